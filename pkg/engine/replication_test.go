package engine

import (
	"context"
	"fmt"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/KevoDB/indy/pkg/replication"
	"github.com/KevoDB/indy/pkg/repo"
)

func TestSyncRepoBetweenEngines(t *testing.T) {
	ctx := context.Background()
	primary := openEngine(t, testConfig(t))
	defer primary.Close()
	replica := openEngine(t, testConfig(t))
	defer replica.Close()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	if err := primary.RegisterFileSync(srv); err != nil {
		t.Fatalf("RegisterFileSync: %v", err)
	}
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///primary",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	id := RepoID("events")
	r, err := primary.CreateRepo(id, repo.Safe)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	for i := 0; i < 50; i++ {
		mustPut(t, r, fmt.Sprintf("evt-%03d", i), fmt.Sprintf("payload-%d", i))
		if i == 24 {
			if err := primary.Flush(ctx); err != nil {
				t.Fatalf("Flush: %v", err)
			}
		}
	}
	if err := primary.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	gens := primary.Generations(id)
	if len(gens) != 2 {
		t.Fatalf("expected 2 generations on the primary, got %v", gens)
	}

	dst, err := replica.NewDestination(conn, replication.CodecZstd)
	if err != nil {
		t.Fatalf("NewDestination: %v", err)
	}
	defer dst.Close()
	if err := replica.SyncFile(ctx, dst, id, gens); err != nil {
		t.Fatalf("SyncFile: %v", err)
	}

	copyRepo, err := replica.OpenRepo(id)
	if err != nil {
		t.Fatalf("OpenRepo on replica: %v", err)
	}
	for _, i := range []int{0, 24, 25, 49} {
		mustGet(t, copyRepo, fmt.Sprintf("evt-%03d", i), fmt.Sprintf("payload-%d", i))
	}
	if cur := copyRepo.Clock().Current(); cur != 50 {
		t.Errorf("replica clock restored to %d, want 50", cur)
	}
}
