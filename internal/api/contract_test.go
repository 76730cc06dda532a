package api

import (
	"bufio"
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	protoService = regexp.MustCompile(`^service\s+(\w+)\s*\{`)
	protoRPC     = regexp.MustCompile(`^rpc\s+(\w+)\(google\.protobuf\.Struct\)\s+returns\s+\((stream\s+)?google\.protobuf\.Struct\);`)
)

// contractMethods reads the proto contract as service -> method -> streaming.
func contractMethods(t *testing.T) map[string]map[string]bool {
	t.Helper()
	f, err := os.Open("../../proto/mtx/v1/mtx.proto")
	require.NoError(t, err)
	defer f.Close()

	out := make(map[string]map[string]bool)
	var current string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := protoService.FindStringSubmatch(line); m != nil {
			current = "mtx.v1." + m[1]
			out[current] = make(map[string]bool)
			continue
		}
		if m := protoRPC.FindStringSubmatch(line); m != nil {
			require.NotEmpty(t, current, "rpc %s outside a service", m[1])
			out[current][m[1]] = m[2] != ""
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestServicesMatchProtoContract(t *testing.T) {
	h := newHarness(t)
	services := []rpc.Service{
		NewOutboxService(h.worker, h.bus).Service(),
		NewVerificationService(h.orch, h.bus).Service(),
		NewSessionService("main", Account{}, h.machine, h.worker, h.orch.Registry(), h.bus).Service(),
	}

	contract := contractMethods(t)
	require.Len(t, contract, len(services))
	for _, svc := range services {
		want, ok := contract[svc.Name]
		require.True(t, ok, "service %s missing from mtx.proto", svc.Name)

		got := make(map[string]bool)
		for name := range svc.Unary {
			got[name] = false
		}
		for name := range svc.Streams {
			got[name] = true
		}
		assert.Equal(t, want, got, "methods of %s", svc.Name)

		desc := svc.Desc()
		assert.Equal(t, "mtx/v1/mtx.proto", desc.Metadata)
		var names []string
		for _, m := range desc.Methods {
			names = append(names, m.MethodName)
		}
		for _, s := range desc.Streams {
			assert.True(t, s.ServerStreams, "%s/%s", svc.Name, s.StreamName)
			names = append(names, s.StreamName)
		}
		sort.Strings(names)
		var wantNames []string
		for name := range want {
			wantNames = append(wantNames, name)
		}
		sort.Strings(wantNames)
		assert.Equal(t, wantNames, names, "descriptor of %s", svc.Name)
	}
}
