package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/autom8ter/couchsync"
	"github.com/autom8ter/couchsync/util"
	"github.com/spf13/cobra"

	_ "github.com/autom8ter/couchsync/checkpoint/badger"
	_ "github.com/autom8ter/couchsync/checkpoint/redis"
)

const defaultFormat = `{{ toPrettyJson . }}`

type globalFlags struct {
	configPath string
	schemaPath string
	url        string
	db         string
	logLevel   string
	format     string
}

func main() {
	var flags globalFlags
	root := &cobra.Command{
		Use:          "couchsync",
		Short:        "synchronize typed records with a CouchDB database",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "couchsync.yaml", "path to the adapter config (yaml or json)")
	root.PersistentFlags().StringVarP(&flags.schemaPath, "schema", "s", "schema.yaml", "path to the record schema (yaml or json)")
	root.PersistentFlags().StringVar(&flags.url, "url", "", "server url, overrides the config")
	root.PersistentFlags().StringVar(&flags.db, "db", "", "database name, overrides the config")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level, overrides the config")
	root.PersistentFlags().StringVarP(&flags.format, "format", "f", defaultFormat, "output template (sprig functions are available), or yaml")
	root.AddCommand(
		initCmd(),
		viewsCmd(&flags),
		getCmd(&flags),
		findAllCmd(&flags),
		queryCmd(&flags),
		watchCmd(&flags),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and the schema and creates an adapter over an empty store
func setup(flags *globalFlags) (*couchsync.Adapter, *couchsync.MemStore, error) {
	content, err := os.ReadFile(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := loadConfig(content, flags)
	if err != nil {
		return nil, nil, err
	}
	schemaContent, err := os.ReadFile(flags.schemaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read schema: %w", err)
	}
	schema, err := couchsync.LoadSchema(schemaContent)
	if err != nil {
		return nil, nil, err
	}
	store := couchsync.NewMemStore(schema)
	adapter, err := couchsync.NewAdapter(cfg, store)
	if err != nil {
		return nil, nil, err
	}
	return adapter, store, nil
}

// loadConfig applies the flag overrides on top of the config file
func loadConfig(content []byte, flags *globalFlags) (couchsync.Config, error) {
	jsonContent, err := util.YAMLToJSON(content)
	if err != nil {
		return couchsync.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	doc, err := couchsync.NewDocumentFromBytes(jsonContent)
	if err != nil {
		return couchsync.Config{}, err
	}
	overrides := map[string]any{}
	if flags.url != "" {
		overrides["url"] = flags.url
	}
	if flags.db != "" {
		overrides["db"] = flags.db
	}
	if flags.logLevel != "" {
		overrides["logLevel"] = flags.logLevel
	}
	if err := doc.SetAll(overrides); err != nil {
		return couchsync.Config{}, err
	}
	return couchsync.LoadConfig(doc.Bytes())
}

// recordView is the value handed to output templates
func recordView(adapter *couchsync.Adapter, rec *couchsync.Record) map[string]any {
	view := map[string]any{
		"type":  rec.TypeName(),
		"id":    rec.ID(),
		"rev":   rec.Rev(),
		"state": rec.State().String(),
	}
	doc, err := adapter.Codec().ToDocument(rec, couchsync.ToDocumentOptions{})
	if err == nil {
		view["document"] = doc.Value()
	}
	toMany := map[string][]string{}
	for _, rel := range rec.Type().ToMany() {
		toMany[rel.Name] = rec.HasMany(rel.Name)
	}
	if len(toMany) > 0 {
		view["hasMany"] = toMany
	}
	return view
}

func output(cmd *cobra.Command, format string, value any) error {
	if format == "yaml" {
		bits, err := json.Marshal(value)
		if err != nil {
			return err
		}
		yml, err := util.JSONToYAML(bits)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(yml)
		return err
	}
	tmpl, err := template.New("output").Funcs(sprig.TxtFuncMap()).Parse(format)
	if err != nil {
		return fmt.Errorf("failed to parse format: %w", err)
	}
	if err := tmpl.Execute(cmd.OutOrStdout(), value); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout())
	return err
}

func parseOptions(raw string) (map[string]any, error) {
	options := map[string]any{}
	if raw == "" {
		return options, nil
	}
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, fmt.Errorf("failed to parse options: %w", err)
	}
	return options, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
