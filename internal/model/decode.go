package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Entries that leave out "enabled" are enabled. The decoders below pre-set
// the flag and let the document override it.

func (a *Assertion) UnmarshalJSON(data []byte) error {
	type plain Assertion
	v := plain{Enabled: true}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*a = Assertion(v)
	return nil
}

// UnmarshalYAML also accepts an inline schema mapping, stored as JSON.
func (a *Assertion) UnmarshalYAML(node *yaml.Node) error {
	type plain Assertion
	v := plain{Enabled: true}
	if err := node.Decode(&v); err != nil {
		return err
	}
	var extra struct {
		Schema interface{} `yaml:"schema"`
	}
	if err := node.Decode(&extra); err != nil {
		return err
	}
	if extra.Schema != nil {
		raw, err := json.Marshal(extra.Schema)
		if err != nil {
			return fmt.Errorf("assertion schema: %w", err)
		}
		v.Schema = raw
	}
	*a = Assertion(v)
	return nil
}

func (kv *KeyValue) UnmarshalJSON(data []byte) error {
	type plain KeyValue
	v := plain{Enabled: true}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*kv = KeyValue(v)
	return nil
}

func (kv *KeyValue) UnmarshalYAML(node *yaml.Node) error {
	type plain KeyValue
	v := plain{Enabled: true}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*kv = KeyValue(v)
	return nil
}

func (e *FormEntry) UnmarshalJSON(data []byte) error {
	type plain FormEntry
	v := plain{Enabled: true}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = FormEntry(v)
	return nil
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	type plain Variable
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = Variable(p)
	return nil
}

func (v *Variable) UnmarshalYAML(node *yaml.Node) error {
	type plain Variable
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*v = Variable(p)
	return nil
}
