package zip

import (
	"bytes"
	"html/template"

	"github.com/digitorus/dss/container"
	"github.com/digitorus/dss/document"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var languages = []language.Tag{
	language.English,
	language.Dutch,
	language.French,
	language.German,
}

var matcher = language.NewMatcher(languages)

func init() {
	translations := map[language.Tag]map[string]string{
		language.Dutch: {
			"ZIP package": "ZIP-pakket",
			"Name":        "Naam",
			"Size":        "Grootte",
			"%d entries":  "%d bestanden",
		},
		language.French: {
			"ZIP package": "Archive ZIP",
			"Name":        "Nom",
			"Size":        "Taille",
			"%d entries":  "%d fichiers",
		},
		language.German: {
			"ZIP package": "ZIP-Paket",
			"Name":        "Name",
			"Size":        "Größe",
			"%d entries":  "%d Dateien",
		},
	}
	for tag, messages := range translations {
		for key, msg := range messages {
			if err := message.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
}

var listing = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Summary}}</p>
<table>
<tr><th>{{.Name}}</th><th>{{.Size}}</th></tr>
{{range .Entries}}<tr><td>{{.Name}}</td><td>{{.Size}}</td></tr>
{{end}}</table>
</body>
</html>
`))

type entry struct {
	Name string
	Size string
}

// VisualizeDocument renders an HTML listing of the archive entries. The
// headings follow language, falling back to English.
func (s *Service) VisualizeDocument(doc []byte, lang string) (*document.Visualization, error) {
	archive, err := container.Open(doc)
	if err != nil {
		return nil, err
	}

	tag := matchLanguage(lang)
	p := message.NewPrinter(tag)

	resources := archive.Resources()
	data := struct {
		Lang    string
		Title   string
		Summary string
		Name    string
		Size    string
		Entries []entry
	}{
		Lang:    tag.String(),
		Title:   p.Sprintf("ZIP package"),
		Summary: p.Sprintf("%d entries", len(resources)),
		Name:    p.Sprintf("Name"),
		Size:    p.Sprintf("Size"),
	}
	for _, r := range resources {
		data.Entries = append(data.Entries, entry{Name: r.Name, Size: p.Sprintf("%d", r.Size())})
	}

	var buf bytes.Buffer
	if err := listing.Execute(&buf, data); err != nil {
		return nil, err
	}
	return &document.Visualization{MimeType: "text/html; charset=utf-8", Data: buf.Bytes()}, nil
}

func matchLanguage(lang string) language.Tag {
	requested, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(requested) == 0 {
		return languages[0]
	}
	_, index, confidence := matcher.Match(requested...)
	if confidence == language.No {
		return languages[0]
	}
	return languages[index]
}
