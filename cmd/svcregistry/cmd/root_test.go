package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/svcregistry"
	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/httpapi"
	"github.com/GoCodeAlone/svcregistry/internal/testutil"
	"github.com/GoCodeAlone/svcregistry/metadata"
	"github.com/GoCodeAlone/svcregistry/registry"
)

const declarations = `
services:
  - key: greeter-en
    contract: Greeting
    value: Hello
    properties:
      lang: en
  - key: greeter-de
    contract: Greeting
    value: Hallo
    properties:
      lang: de
      service.ranking: 7
`

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeDeclarations(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(declarations), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "svcregistry", root.Use)

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "filter", "query"})
	assert.Contains(t, PrintVersion(), "svcregistry vdev")
}

func TestFilterCheck(t *testing.T) {
	out, err := run(t, context.Background(), "filter", "check", "(& (lang=en) (x=*))")
	require.NoError(t, err)
	assert.Equal(t, "valid: (&(lang=en)(x=*))\n", out)

	out, err = run(t, context.Background(), "filter", "check", "")
	require.NoError(t, err)
	assert.Contains(t, out, "matches everything")

	out, err = run(t, context.Background(), "filter", "check", "(lang=en")
	assert.ErrorIs(t, err, filter.ErrMalformedFilter)
	assert.True(t, strings.HasPrefix(out, "(lang=en\n"))
	assert.Contains(t, out, "^")
}

func TestFilterMatch(t *testing.T) {
	out, err := run(t, context.Background(), "filter", "match", "(&(lang=de)(service.ranking=3))", "lang=en", "lang=de", "service.ranking=3")
	require.NoError(t, err)
	assert.Equal(t, "match\n", out)

	out, err = run(t, context.Background(), "filter", "match", "(enabled=true)", "enabled=false")
	assert.ErrorIs(t, err, ErrFilterNoMatch)
	assert.Equal(t, "no match\n", out)

	_, err = run(t, context.Background(), "filter", "match", "(a=*)", "novalue")
	assert.Error(t, err)
}

func TestParseProperties(t *testing.T) {
	props, err := parseProperties([]string{"n=2.5", "flag=true", "name=x", "tag=a", "tag=b"})
	require.NoError(t, err)

	n, _ := props.Get("n")
	assert.Equal(t, metadata.KindNumber, n.Kind())
	flag, _ := props.Get("flag")
	assert.Equal(t, metadata.KindBool, flag.Kind())
	name, _ := props.Get("name")
	assert.Equal(t, metadata.KindString, name.Kind())
	tag, _ := props.Get("tag")
	assert.Equal(t, metadata.KindSet, tag.Kind())
}

func TestQuery_Declarations(t *testing.T) {
	testutil.Isolate(t)
	path := writeDeclarations(t)

	out, err := run(t, context.Background(), "query", "Greeting", "--declarations", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "RANKING")
	assert.Contains(t, lines[1], "lang=de")
	assert.Contains(t, lines[1], "declarations")
	assert.Contains(t, lines[2], "lang=en")

	out, err = run(t, context.Background(), "query", "Greeting", "-d", path, "-f", "(lang=fr)")
	require.NoError(t, err)
	assert.Equal(t, "no matching services\n", out)
}

func TestQuery_DeclarationsFromConfig(t *testing.T) {
	testutil.Isolate(t)
	t.Setenv("SVCREGISTRY_DECLARATIONS_PATH", writeDeclarations(t))

	out, err := run(t, context.Background(), "query", "Greeting", "-f", "(lang=en)")
	require.NoError(t, err)
	assert.Contains(t, out, "lang=en")
}

func TestQuery_NoSource(t *testing.T) {
	testutil.Isolate(t)
	_, err := run(t, context.Background(), "query", "Greeting")
	assert.ErrorIs(t, err, ErrNoQuerySource)
}

func TestQuery_Server(t *testing.T) {
	mem := registry.NewMemory(nil)
	sc, err := svcregistry.NewServiceContext(mem)
	require.NoError(t, err)
	_, err = sc.PublishMap(context.Background(), "Greeting", "hello", map[string]any{"lang": "en"})
	require.NoError(t, err)
	api, err := httpapi.NewServer(sc)
	require.NoError(t, err)
	ts := httptest.NewServer(api)
	defer ts.Close()

	out, err := run(t, context.Background(), "query", "Greeting", "--server", ts.URL, "--filter", "(lang=en)")
	require.NoError(t, err)
	assert.Contains(t, out, "lang=en")

	_, err = run(t, context.Background(), "query", "Greeting", "--server", ts.URL, "--filter", "(lang=en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

type qualifiedGreeting interface{ Greet() string }

func TestQuery_ServerQualifiedContract(t *testing.T) {
	mem := registry.NewMemory(nil)
	sc, err := svcregistry.NewServiceContext(mem)
	require.NoError(t, err)
	contract := svcregistry.ContractOf[qualifiedGreeting]()
	_, err = sc.PublishMap(context.Background(), contract, "hello", map[string]any{"lang": "en"})
	require.NoError(t, err)
	api, err := httpapi.NewServer(sc)
	require.NoError(t, err)
	ts := httptest.NewServer(api)
	defer ts.Close()

	out, err := run(t, context.Background(), "query", string(contract), "--server", ts.URL+"/")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "lang=en")
}

func TestServicesURL(t *testing.T) {
	u, err := servicesURL("http://127.0.0.1:8080/api/", "github.com/acme/greeting.Greeting")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/api/v1/contracts/github.com%2Facme%2Fgreeting.Greeting/services", u.String())

	u, err = servicesURL("http://127.0.0.1:8080", "Greeting")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/v1/contracts/Greeting/services", u.String())

	_, err = servicesURL("http://[::1", "Greeting")
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	testutil.Isolate(t)
	t.Setenv("SVCREGISTRY_HTTP_ADDRESS", "127.0.0.1:0")
	t.Setenv("SVCREGISTRY_DECLARATIONS_PATH", writeDeclarations(t))
	t.Setenv("SVCREGISTRY_LOG_LEVEL", "debug")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		root := NewRootCommand()
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs([]string{"serve", "--track", "Greeting"})
		done <- root.ExecuteContext(ctx)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_InvalidConfig(t *testing.T) {
	testutil.Isolate(t)
	t.Setenv("SVCREGISTRY_TRACKER_WORKERS", "0")
	_, err := run(t, context.Background(), "serve")
	assert.Error(t, err)
}
