// Command generate-schema writes the JSON schema of the dittoshare config
// file, for editor completion of config.yaml.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"

	"github.com/marmos91/dittoshare/pkg/config"
)

const schemaID = "https://github.com/marmos91/dittoshare/config.schema.json"

func main() {
	output := flag.String("o", "config.schema.json", "Output file, or - for stdout")
	flag.Parse()

	if err := run(*output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(output string) error {
	// Keys follow the mapstructure tags viper decodes with; definitions are
	// inlined so the schema stands alone.
	reflector := jsonschema.Reflector{
		FieldNameTag:   "mapstructure",
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = jsonschema.ID(schemaID)
	schema.Title = "dittoshare configuration"
	schema.Description = "Peer, storage, sync and gc settings read by dittoshare serve"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	data = append(data, '\n')

	if output == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Printf("JSON schema written to %s\n", output)
	return nil
}
