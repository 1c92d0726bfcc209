package cmd

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/golobby/cast"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/metadata"
)

// ErrFilterNoMatch is returned by "filter match" when the properties do not match.
var ErrFilterNoMatch = errors.New("properties do not match filter")

// NewFilterCommand creates the filter command
func NewFilterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Work with LDAP-style metadata filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newFilterCheckCommand())
	cmd.AddCommand(newFilterMatchCommand())
	return cmd
}

func newFilterCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "check <filter>",
		Short:   "Validate a filter and print its canonical form",
		Example: `  svcregistry filter check '(&(lang=en)(service.ranking=*))'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.Compile(args[0])
			if err != nil {
				var syn *filter.SyntaxError
				if errors.As(err, &syn) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s^\n", syn.Text, strings.Repeat(" ", syn.Offset))
				}
				return err
			}
			if f.MatchesAll() {
				fmt.Fprintln(cmd.OutOrStdout(), "valid (matches everything)")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %s\n", f)
			return nil
		},
	}
}

func newFilterMatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "match <filter> [key=value ...]",
		Short: "Evaluate a filter against a set of properties",
		Long: `Evaluate a filter against properties given as key=value pairs. Values that parse
as numbers or booleans are stored as such; repeating a key builds a set.`,
		Example: `  svcregistry filter match '(lang=en)' lang=en lang=de service.ranking=3`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.Compile(args[0])
			if err != nil {
				return err
			}
			props, err := parseProperties(args[1:])
			if err != nil {
				return err
			}
			if !f.Match(props) {
				fmt.Fprintln(cmd.OutOrStdout(), "no match")
				return ErrFilterNoMatch
			}
			fmt.Fprintln(cmd.OutOrStdout(), "match")
			return nil
		},
	}
}

// parseProperties turns key=value arguments into Properties.
func parseProperties(pairs []string) (metadata.Properties, error) {
	values := make(map[string][]metadata.Value)
	var order []string
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return metadata.Properties{}, fmt.Errorf("property %q: expected key=value", pair)
		}
		if _, seen := values[key]; !seen {
			order = append(order, key)
		}
		values[key] = append(values[key], literalValue(raw))
	}

	entries := make(map[string]metadata.Value, len(values))
	for _, key := range order {
		vs := values[key]
		if len(vs) == 1 {
			entries[key] = vs[0]
			continue
		}
		set, err := metadata.Set(vs...)
		if err != nil {
			return metadata.Properties{}, fmt.Errorf("property %q: %w", key, err)
		}
		entries[key] = set
	}
	return metadata.Of(entries)
}

var (
	float64Type = reflect.TypeOf(float64(0))
	boolType    = reflect.TypeOf(false)
)

// literalValue types a command-line value: number, then true/false, else string.
func literalValue(raw string) metadata.Value {
	if n, err := cast.FromType(raw, float64Type); err == nil {
		if f, ok := n.(float64); ok {
			return metadata.Number(f)
		}
	}
	if raw == "true" || raw == "false" {
		if b, err := cast.FromType(raw, boolType); err == nil {
			if v, ok := b.(bool); ok {
				return metadata.Bool(v)
			}
		}
	}
	return metadata.String(raw)
}
