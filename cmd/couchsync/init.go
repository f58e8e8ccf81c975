package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/autom8ter/couchsync/testutil"
	"github.com/spf13/cobra"
)

var configTemplate = `# couchsync adapter config
url: {{ .url | quote }}
db: {{ .db | quote }}
{{- if .username }}
username: {{ .username | quote }}
password: {{ env "COUCHDB_PASSWORD" | default "change me" | quote }}
{{- end }}
designDoc: couchsync
typeView: by-type
associationView: by-association
typeTag: couchsync
naming: {{ .naming }}
heartbeat: 10s
backoffBase: 100ms
maxBackoff: 30s
maxConcurrentSaves: 8
logLevel: info
`

func initCmd() *cobra.Command {
	var (
		projectPath string
		url         string
		db          string
		username    string
		naming      string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "create a config and an example schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(projectPath, 0755); err != nil {
				return err
			}
			tmpl, err := template.New("config").Funcs(sprig.TxtFuncMap()).Parse(configTemplate)
			if err != nil {
				return err
			}
			f, err := os.Create(filepath.Join(projectPath, "couchsync.yaml"))
			if err != nil {
				return err
			}
			defer f.Close()
			if err := tmpl.Execute(f, map[string]any{
				"url":      url,
				"db":       db,
				"username": username,
				"naming":   naming,
			}); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			if err := os.WriteFile(filepath.Join(projectPath, "schema.yaml"), testutil.SchemaYAML(), 0644); err != nil {
				return fmt.Errorf("failed to write schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "new project created: %v\n", projectPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectPath, "path", "p", ".", "path to project directory")
	cmd.Flags().StringVar(&url, "url", "http://localhost:5984", "server url")
	cmd.Flags().StringVar(&db, "db", "couchsync", "database name")
	cmd.Flags().StringVar(&username, "username", "", "basic auth username. The password is read from COUCHDB_PASSWORD")
	cmd.Flags().StringVar(&naming, "naming", "default", "document key naming: default or snake_case")
	return cmd
}
