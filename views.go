package couchsync

import (
	"bytes"
	"context"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/autom8ter/couchsync/errors"
)

var typeViewTemplate = template.Must(template.New("typeView").Funcs(sprig.TxtFuncMap()).Parse(
	`function (doc) { var tag = doc[{{ .tag | quote }}]; if (tag && tag.type) { emit(tag.type, null); } }`,
))

var associationViewTemplate = template.Must(template.New("associationView").Funcs(sprig.TxtFuncMap()).Parse(
	`function (doc) { var tag = doc[{{ .tag | quote }}]; if (!tag || !tag.belongsTo) { return; } ` +
		`tag.belongsTo.forEach(function (key) { if (doc[key]) { emit(doc[key], tag.type); } }); }`,
))

func render(tmpl *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, errors.Internal, "failed to render %s", tmpl.Name())
	}
	return buf.String(), nil
}

// DesignDocument returns the design document holding the type and association views the adapter queries
func DesignDocument(cfg Config) (*Document, error) {
	cfg.SetDefaults()
	data := map[string]any{"tag": cfg.TypeTag}
	typeView, err := render(typeViewTemplate, data)
	if err != nil {
		return nil, err
	}
	associationView, err := render(associationViewTemplate, data)
	if err != nil {
		return nil, err
	}
	return NewDocumentFrom(map[string]any{
		idField:    "_design/" + cfg.DesignDoc,
		"language": "javascript",
		"views": map[string]any{
			cfg.TypeView:        map[string]any{"map": typeView},
			cfg.AssociationView: map[string]any{"map": associationView},
		},
	})
}

// InstallViews writes the design document, replacing the current revision if one exists.
// A custom ViewForType view is not installed.
func (a *Adapter) InstallViews(ctx context.Context) (string, error) {
	doc, err := DesignDocument(a.cfg)
	if err != nil {
		return "", err
	}
	id := doc.GetString(idField)
	existing, err := a.client.Get(ctx, id)
	switch {
	case err == nil:
		if err := doc.Set(revField, existing.GetString(revField)); err != nil {
			return "", err
		}
	case !errors.IsNotFound(err):
		return "", err
	}
	resp, err := a.client.Put(ctx, id, doc)
	if err != nil {
		return "", err
	}
	a.logger.Info(ctx, "installed views", map[string]any{
		"designDoc": id,
		"rev":       resp.GetString("rev"),
	})
	return resp.GetString("rev"), nil
}
