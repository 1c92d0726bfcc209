package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/svcregistry"
	"github.com/GoCodeAlone/svcregistry/declare"
	"github.com/GoCodeAlone/svcregistry/httpapi"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// ErrNoQuerySource is returned when query has neither a server nor a declarations file.
var ErrNoQuerySource = errors.New("query needs --server or a declarations file")

// NewQueryCommand creates the query command
func NewQueryCommand(load configLoader) *cobra.Command {
	var (
		filterText   string
		server       string
		declarations string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query <contract>",
		Short: "List the services of a contract in rank order",
		Long: `List the services published under a contract, best first. With --server the
query goes to a running "svcregistry serve"; otherwise the declarations file
is published into a scratch registry and queried locally.`,
		Example: `  svcregistry query Greeting --filter '(lang=en)' --server http://127.0.0.1:8080
  svcregistry query Greeting --declarations services.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var views []httpapi.ServiceView
			var err error
			if server != "" {
				views, err = queryServer(ctx, server, args[0], filterText)
			} else {
				if declarations == "" {
					cfg, err := load(cmd)
					if err != nil {
						return err
					}
					declarations = cfg.Declarations.Path
				}
				if declarations == "" {
					return ErrNoQuerySource
				}
				views, err = queryDeclarations(ctx, declarations, args[0], filterText)
			}
			if err != nil {
				return err
			}
			return printViews(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVarP(&filterText, "filter", "f", "", "LDAP-style metadata filter")
	cmd.Flags().StringVarP(&server, "server", "s", "", "base URL of a running svcregistry server")
	cmd.Flags().StringVarP(&declarations, "declarations", "d", "", "declarations file to query locally")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "query timeout")
	return cmd
}

func queryServer(ctx context.Context, server, contract, filterText string) ([]httpapi.ServiceView, error) {
	u, err := servicesURL(server, contract)
	if err != nil {
		return nil, err
	}
	if filterText != "" {
		u.RawQuery = url.Values{"filter": {filterText}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, body.Error)
	}
	var views []httpapi.ServiceView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return views, nil
}

// servicesURL builds the services endpoint for contract. The contract is
// escaped as one path segment since contract names usually contain slashes.
func servicesURL(server, contract string) (*url.URL, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	base := strings.TrimSuffix(u.Path, "/")
	rawBase := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = base + "/v1/contracts/" + contract + "/services"
	u.RawPath = rawBase + "/v1/contracts/" + url.PathEscape(contract) + "/services"
	return u, nil
}

func queryDeclarations(ctx context.Context, path, contract, filterText string) ([]httpapi.ServiceView, error) {
	mem := registry.NewMemory(nil)
	defer func() { _ = mem.Close() }()
	sc, err := svcregistry.NewServiceContext(mem)
	if err != nil {
		return nil, err
	}
	syncer, err := declare.NewSyncer(sc, path)
	if err != nil {
		return nil, err
	}
	if _, err := syncer.Sync(ctx); err != nil {
		return nil, err
	}

	refs, err := sc.FindMany(ctx, svcregistry.Contract(contract), filterText)
	if err != nil {
		return nil, err
	}
	defer svcregistry.ReleaseAll(refs)

	views := make([]httpapi.ServiceView, 0, len(refs))
	for _, ref := range refs {
		views = append(views, httpapi.ServiceView{
			ID:         ref.ID,
			Contract:   string(ref.Contract),
			Owner:      ref.Owner,
			Ranking:    ref.Ranking,
			Sequence:   ref.Sequence,
			Properties: ref.Properties.Map(),
		})
	}
	return views, nil
}

func printViews(w io.Writer, views []httpapi.ServiceView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "no matching services")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRANKING\tOWNER\tPROPERTIES")
	for _, v := range views {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", v.ID, v.Ranking, v.Owner, formatProperties(v.Properties))
	}
	return tw.Flush()
}

func formatProperties(props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, props[k]))
	}
	return strings.Join(parts, " ")
}
