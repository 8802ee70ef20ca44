// Package plugins holds the job kinds shipped with the runner.
package plugins

import (
	"context"
	"fmt"
	"io"

	"plugin-runner/internal/config"
	"plugin-runner/internal/plugin"
)

// Echo writes example_value to echo.txt.
func Echo() plugin.Plugin {
	return plugin.Plugin{
		Name:        "echo",
		Version:     "1.0.0",
		Title:       "Echo",
		Description: "Writes the submitted example value to a text file.",
		Type:        plugin.TypeProcessing,
		Inputs: []plugin.Field{{
			Name:        "example_value",
			Label:       "Example Value",
			Description: "A simple string example value.",
			Required:    true,
		}},
		Outputs: []plugin.DataMetadata{{DataType: "txt", ContentTypes: []string{"text/plain"}, Required: true}},
		Run:     runEcho,
	}
}

func runEcho(_ context.Context, params plugin.Params, out *plugin.Output) error {
	var in struct {
		ExampleValue string `json:"example_value"`
	}
	if err := params.Bind(&in); err != nil {
		return err
	}
	w, err := out.Create("echo.txt", "txt", "text/plain")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, in.ExampleValue); err != nil {
		return fmt.Errorf("write echo output: %w", err)
	}
	return nil
}

// Builtin returns every plugin the runner ships with.
func Builtin(cfg config.Config) []plugin.Plugin {
	return []plugin.Plugin{
		Echo(),
		NewImageResizer(cfg).Plugin(),
	}
}
