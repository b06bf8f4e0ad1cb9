package remote

import (
	"context"
	"iter"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/task"
)

type splitDissector struct {
	plugin.Base
	dir string
}

func (d *splitDissector) Name() string                           { return "split" }
func (d *splitDissector) Kind() plugin.Kind                      { return plugin.KindDissector }
func (d *splitDissector) Description() string                    { return "" }
func (d *splitDissector) SupportedMIMETypes() []string           { return []string{"text/plain"} }
func (d *splitDissector) CanDissect(c *container.Container) bool { return c.MIMEType == "text/plain" }

func (d *splitDissector) Containers(_ context.Context, c *container.Container) iter.Seq2[*container.Container, error] {
	return func(yield func(*container.Container, error) bool) {
		path := filepath.Join(d.dir, "part-0")
		if err := os.WriteFile(path, []byte("part"), 0o600); err != nil {
			yield(nil, err)
			return
		}
		sub, err := container.New("part-0", path, c.OriginalPath+"/part-0", c.ID())
		yield(sub, err)
	}
}

func newFile(t *testing.T, data string) *container.Container {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	c, err := container.New("input.txt", path, "", uuid.Nil)
	require.NoError(t, err)
	return c
}

func setup(t *testing.T) (*Client, *plugin.Registry) {
	t.Helper()
	ctx := context.Background()

	reg := plugin.NewRegistry(slog.Default())
	reg.MustRegister(&splitDissector{dir: t.TempDir()})
	reg.Init(ctx)
	h, err := hasher.New([]string{"md5"})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTaskServiceServer(srv, NewServer(reg, task.Toolkit{Hasher: h, Selector: reg}, slog.Default()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", reg, 5*time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, reg
}

func collect(seq iter.Seq[task.Result]) []task.Result {
	var out []task.Result
	for r := range seq {
		out = append(out, r)
	}
	return out
}

func TestRemoteHashing(t *testing.T) {
	client, _ := setup(t)
	c := newFile(t, "")

	tk, err := task.New(task.Hashing, nil, c)
	require.NoError(t, err)
	results := collect(tk.PerformWith(context.Background(), client.Run))

	require.Len(t, results, 1)
	require.True(t, tk.Succeeded(), "%v", tk.Err())
	assert.Equal(t, c.ID().String(), results[0].Hash.ContainerID)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", results[0].Hash.Digests["md5"])
}

func TestRemoteSelectionResolvesPlugins(t *testing.T) {
	client, _ := setup(t)

	tk, err := task.New(task.DissectorSelection, nil, newFile(t, "some text\n"))
	require.NoError(t, err)
	results := collect(tk.PerformWith(context.Background(), client.Run))
	require.Len(t, results, 1)
	require.Len(t, results[0].Dissectors, 1)
	assert.Equal(t, "split", results[0].Dissectors[0].Name())

	tk, err = task.New(task.ExaminerSelection, nil, newFile(t, "some text\n"))
	require.NoError(t, err)
	results = collect(tk.PerformWith(context.Background(), client.Run))
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Examiners)
	assert.True(t, tk.Succeeded())
}

func TestRemoteDissection(t *testing.T) {
	client, reg := setup(t)
	parent := newFile(t, "some text\n")
	d, err := reg.Dissector("split")
	require.NoError(t, err)

	tk, err := task.New(task.Dissection, d, parent)
	require.NoError(t, err)
	results := collect(tk.PerformWith(context.Background(), client.Run))

	require.Len(t, results, 1)
	sub := results[0].Container
	assert.Equal(t, parent.ID(), sub.Parent())
	assert.Equal(t, int64(4), sub.Size)
	assert.Equal(t, parent.OriginalPath+"/part-0", sub.OriginalPath)
}

func TestServerRejectsUnknownPlugin(t *testing.T) {
	client, _ := setup(t)
	c := newFile(t, "x")

	_, err := client.svc.Perform(context.Background(), &PerformRequest{
		TaskID:    uuid.NewString(),
		Category:  task.Examination,
		Plugin:    "missing",
		Container: c.Record(),
	})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.svc.Perform(context.Background(), &PerformRequest{Category: task.Exit})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestMapTaskError(t *testing.T) {
	assert.Equal(t, codes.FailedPrecondition, status.Code(mapTaskError(task.ErrUninitializedPlugin, "Perform")))
	assert.Equal(t, codes.InvalidArgument, status.Code(mapTaskError(task.ErrInvalidPluginType, "Perform")))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(mapTaskError(context.DeadlineExceeded, "Perform")))
	assert.Equal(t, codes.Internal, status.Code(mapTaskError(os.ErrClosed, "Perform")))
}
