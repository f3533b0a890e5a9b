package service

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"

	"courier/internal/model"
)

// FormDataFile is a file part resolved from a form-data entry.
type FormDataFile struct {
	Filename string
	MimeType string
	Data     []byte
}

var rawContentTypes = map[string]string{
	model.BodyText:       "text/plain",
	model.BodyXML:        "application/xml",
	model.BodyHTML:       "text/html",
	model.BodyJavaScript: "application/javascript",
}

// encodeBody turns the spec's body into a reader and its default content type.
func (re *RequestExecutor) encodeBody(spec model.RequestSpec) (io.Reader, string, error) {
	switch spec.BodyType {
	case "", model.BodyNone:
		if spec.Body == "" {
			return nil, "", nil
		}
		return strings.NewReader(spec.Body), "", nil

	case model.BodyJSON:
		if spec.Body == "" {
			return nil, "application/json", nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(spec.Body)); err != nil {
			return strings.NewReader(spec.Body), "application/json", nil
		}
		return &buf, "application/json", nil

	case model.BodyText, model.BodyXML, model.BodyHTML, model.BodyJavaScript:
		return strings.NewReader(spec.Body), rawContentTypes[spec.BodyType], nil

	case model.BodyURLEncoded:
		entries, err := parseFormEntries(spec.Body)
		if err != nil {
			return nil, "", err
		}
		var pairs []string
		for _, e := range entries {
			if !e.Enabled {
				continue
			}
			pairs = append(pairs, url.QueryEscape(e.Key)+"="+url.QueryEscape(e.Value))
		}
		return strings.NewReader(strings.Join(pairs, "&")), "application/x-www-form-urlencoded", nil

	case model.BodyFormData:
		return re.encodeMultipart(spec.Body)

	case model.BodyBinary:
		if spec.Body == "" {
			return nil, "application/octet-stream", nil
		}
		var bin model.BinaryBody
		if err := json.Unmarshal([]byte(spec.Body), &bin); err != nil {
			return nil, "", fmt.Errorf("invalid binary body: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(bin.Base64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid binary body: %w", err)
		}
		ct := bin.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return bytes.NewReader(data), ct, nil

	default:
		return strings.NewReader(spec.Body), "", nil
	}
}

func parseFormEntries(body string) ([]model.FormEntry, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	var entries []model.FormEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	return entries, nil
}

func (re *RequestExecutor) encodeMultipart(body string) (io.Reader, string, error) {
	entries, err := parseFormEntries(body)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		if e.Type != "file" {
			if err := writer.WriteField(e.Key, e.Value); err != nil {
				return nil, "", err
			}
			continue
		}

		file, err := re.resolveFormFile(e)
		if err != nil {
			return nil, "", err
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(e.Key), escapeQuotes(file.Filename)))
		h.Set("Content-Type", file.MimeType)
		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// resolveFormFile loads a file part from its inline payload or the upload store.
func (re *RequestExecutor) resolveFormFile(e model.FormEntry) (FormDataFile, error) {
	file := FormDataFile{Filename: e.FileName, MimeType: e.MimeType}
	switch {
	case e.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(e.Base64)
		if err != nil {
			return file, fmt.Errorf("form field %q: invalid base64: %w", e.Key, err)
		}
		file.Data = data
	case e.Src != "":
		if re.fileStorage == nil {
			return file, fmt.Errorf("form field %q: file storage not configured", e.Key)
		}
		data, err := re.fileStorage.Load(e.Src)
		if err != nil {
			return file, fmt.Errorf("form field %q: %w", e.Key, err)
		}
		file.Data = data
	default:
		file.Data = []byte(e.Value)
	}
	if file.Filename == "" {
		file.Filename = e.Key
	}
	if file.MimeType == "" {
		file.MimeType = "application/octet-stream"
	}
	return file, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
