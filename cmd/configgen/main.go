// configgen writes default moorgate config templates and validates
// existing config files without starting a daemon.
package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/duskmoor/moorgate/internal/config"
)

func main() {
	kind := pflag.String("kind", "gated", "config kind: gated|engined")
	output := pflag.String("output", "", "output path for the config template")
	validate := pflag.Bool("validate", false, "validate an existing config file instead of writing one")
	input := pflag.String("input", "", "config path for validation")
	force := pflag.Bool("force", false, "overwrite an existing config file")
	pflag.Parse()

	if err := run(*kind, *output, *input, *validate, *force); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(kind, output, input string, validate, force bool) error {
	if validate {
		return validateConfig(kind, input)
	}
	return writeTemplate(kind, output, force)
}

func validateConfig(kind, path string) error {
	if path == "" {
		return fmt.Errorf("--validate requires --input")
	}
	switch kind {
	case "gated":
		if _, err := config.LoadGateway(path); err != nil {
			return err
		}
	case "engined":
		if _, err := config.LoadEngine(path); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	fmt.Printf("validated %s config at %s\n", kind, path)
	return nil
}

func writeTemplate(kind, output string, force bool) error {
	var template any
	switch kind {
	case "gated":
		if output == "" {
			output = "gated.toml"
		}
		template = config.DefaultGateway()
	case "engined":
		if output == "" {
			output = "engined.toml"
		}
		template = config.DefaultEngine()
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}

	if !force {
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("%s exists, use --force to overwrite", output)
		}
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(template); err != nil {
		return err
	}
	fmt.Printf("wrote %s template to %s\n", kind, output)
	return nil
}
