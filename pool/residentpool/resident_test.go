package residentpool_test

import (
	"context"
	"testing"

	"github.com/relaykit/mcp-relay/pool"
	"github.com/relaykit/mcp-relay/pool/pooltest"
	"github.com/relaykit/mcp-relay/pool/residentpool"
)

func TestResidentPoolConformance(t *testing.T) {
	pooltest.RunPoolTests(t, func(t *testing.T, dialer pool.Dialer) pool.Pool {
		p := residentpool.New(dialer)
		t.Cleanup(func() { p.Close(context.Background()) })
		return p
	})
}
