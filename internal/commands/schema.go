package commands

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codeframe-dev/codeframe/internal/output"
)

// NewSchemaCmd creates the schema command: a machine-readable description of
// the CLI surface so agent frontends can build tool definitions without
// parsing help text. Pass the fully wired root command.
func NewSchemaCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Emit JSON schemas for every command's flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			var schemas []commandSchema
			walkCommands(root, &schemas)
			type resp struct {
				Commands []commandSchema `json:"commands"`
				Count    int             `json:"count"`
			}
			return output.PrintSuccess(resp{Commands: schemas, Count: len(schemas)})
		},
	}
}

type commandSchema struct {
	Command     string         `json:"command"`
	Description string         `json:"description,omitempty"`
	Args        map[string]any `json:"args_schema"`
}

// walkCommands collects schemas for leaf commands only; groups carry no flags
// of their own worth describing.
func walkCommands(cmd *cobra.Command, out *[]commandSchema) {
	if cmd.HasParent() && cmd.Name() != "schema" && !cmd.Hidden && !cmd.HasSubCommands() {
		*out = append(*out, flagSchema(cmd))
	}
	for _, child := range cmd.Commands() {
		walkCommands(child, out)
	}
}

func flagSchema(cmd *cobra.Command) commandSchema {
	properties := map[string]any{}
	var required []string

	visit := func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		if _, seen := properties[f.Name]; seen {
			return
		}
		prop := map[string]any{
			"type":        jsonFlagType(f.Value.Type()),
			"description": f.Usage,
		}
		if f.DefValue != "" && f.DefValue != "[]" {
			prop["default"] = flagDefault(f.Value.Type(), f.DefValue)
		}
		properties[f.Name] = prop
		if flagRequired(f) {
			required = append(required, f.Name)
		}
	}
	cmd.NonInheritedFlags().VisitAll(visit)
	cmd.InheritedFlags().VisitAll(visit)

	args := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		args["required"] = required
	}
	return commandSchema{Command: cmd.CommandPath(), Description: cmd.Short, Args: args}
}

func jsonFlagType(flagType string) string {
	switch flagType {
	case "int", "int8", "int16", "int32", "int64", "uint", "uint32", "uint64":
		return "integer"
	case "float32", "float64":
		return "number"
	case "bool":
		return "boolean"
	case "stringSlice", "stringArray":
		return "array"
	default:
		return "string"
	}
}

func flagDefault(flagType, raw string) any {
	switch jsonFlagType(flagType) {
	case "boolean":
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	case "integer":
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return raw
}

// flagRequired recognizes cobra's required annotation and the "(required)"
// usage-string convention used throughout this CLI.
func flagRequired(f *pflag.Flag) bool {
	if vals, ok := f.Annotations[cobra.BashCompOneRequiredFlag]; ok && len(vals) > 0 && vals[0] == "true" {
		return true
	}
	return strings.Contains(f.Usage, "(required)")
}
