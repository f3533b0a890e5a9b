package model

import "sort"

// Variable is a single named value in an environment.
type Variable struct {
	Key     string `json:"key" yaml:"key"`
	Value   string `json:"value" yaml:"value"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Environment is a named set of variables. Keys are case-sensitive.
type Environment struct {
	ID        int64      `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Variables []Variable `json:"variables" yaml:"variables"`
}

// Snapshot returns the enabled variables as a fresh map. Later duplicates win.
func (e Environment) Snapshot() map[string]string {
	vars := make(map[string]string, len(e.Variables))
	for _, v := range e.Variables {
		if v.Enabled {
			vars[v.Key] = v.Value
		}
	}
	return vars
}

// EnvChanges is the change-set a script proposes for the environment.
// The host applies it after the script has returned.
type EnvChanges struct {
	Set   map[string]string `json:"set"`
	Unset []string          `json:"unset"`
}

func NewEnvChanges() EnvChanges {
	return EnvChanges{Set: make(map[string]string), Unset: []string{}}
}

// IsEmpty reports whether the change-set carries no mutation.
func (c EnvChanges) IsEmpty() bool {
	return len(c.Set) == 0 && len(c.Unset) == 0
}

// Merge folds other into c. Entries in other win over entries in c.
func (c *EnvChanges) Merge(other EnvChanges) {
	if c.Set == nil {
		c.Set = make(map[string]string)
	}
	for _, k := range other.Unset {
		delete(c.Set, k)
		if !containsString(c.Unset, k) {
			c.Unset = append(c.Unset, k)
		}
	}
	for k, v := range other.Set {
		c.Set[k] = v
		c.Unset = removeString(c.Unset, k)
	}
}

// ApplyTo returns vars with the change-set applied. vars is not modified.
func (c EnvChanges) ApplyTo(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+len(c.Set))
	for k, v := range vars {
		out[k] = v
	}
	for _, k := range c.Unset {
		delete(out, k)
	}
	for k, v := range c.Set {
		out[k] = v
	}
	return out
}

// WithChanges returns a copy of e with c applied. Existing keys keep their
// position, new keys are appended in sorted order.
func (e Environment) WithChanges(c EnvChanges) Environment {
	out := e
	out.Variables = make([]Variable, 0, len(e.Variables)+len(c.Set))
	seen := make(map[string]bool, len(e.Variables))
	for _, v := range e.Variables {
		if containsString(c.Unset, v.Key) {
			continue
		}
		if val, ok := c.Set[v.Key]; ok {
			v.Value = val
			v.Enabled = true
		}
		seen[v.Key] = true
		out.Variables = append(out.Variables, v)
	}
	keys := make([]string, 0, len(c.Set))
	for k := range c.Set {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Variables = append(out.Variables, Variable{Key: k, Value: c.Set[k], Enabled: true})
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
