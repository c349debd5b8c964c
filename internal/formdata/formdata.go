// formdata — модель multipart/form-data, общая для HTTP-клиента консоли
// и перекодировщика тела в прокси.
package formdata

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sort"
)

// File — одна файловая часть формы.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Form — текстовые поля и файлы формы.
type Form struct {
	Values url.Values
	Files  []File
}

// New возвращает пустую форму.
func New() *Form {
	return &Form{Values: url.Values{}}
}

// Add добавляет текстовое поле.
func (f *Form) Add(key, value string) *Form {
	if f.Values == nil {
		f.Values = url.Values{}
	}
	f.Values.Add(key, value)

	return f
}

// AddFile добавляет файловую часть. contentType "" -> application/octet-stream.
func (f *Form) AddFile(field, name, contentType string, data []byte) *Form {
	f.Files = append(f.Files, File{Field: field, Name: name, ContentType: contentType, Data: data})
	return f
}

// FromMultipart копирует разобранную входящую форму (поля и содержимое файлов).
func FromMultipart(mf *multipart.Form) (*Form, error) {
	const op = "formdata/FromMultipart"

	out := New()
	if mf == nil {
		return out, nil
	}

	for k, vs := range mf.Value {
		for _, v := range vs {
			out.Values.Add(k, v)
		}
	}

	for _, field := range sortedKeys(mf.File) {
		for _, fh := range mf.File[field] {
			data, err := readPart(fh)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", op, field, err)
			}
			out.AddFile(field, fh.Filename, fh.Header.Get("Content-Type"), data)
		}
	}

	return out, nil
}

// Encode сериализует форму с новым boundary.
// Возвращает тело и Content-Type вида "multipart/form-data; boundary=...".
func (f *Form) Encode() (io.Reader, string, error) {
	const op = "formdata/Encode"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, k := range sortedKeys(f.Values) {
		for _, v := range f.Values[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	for _, file := range f.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(file.Field), escapeQuotes(file.Name)))
		ct := file.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", op, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	return &buf, w.FormDataContentType(), nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// Тот же экранинг, что и в mime/multipart.
func escapeQuotes(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '\\' || r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
