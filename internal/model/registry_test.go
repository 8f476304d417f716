package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/depth-api/internal/tensor"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestEncoder(t *testing.T) {
	enc, err := Encoder("Any_L")
	require.NoError(t, err)
	require.Equal(t, "vitl", enc)

	_, err = Encoder("Any_XL")
	require.ErrorIs(t, err, ErrUnknownModel)
	require.Equal(t, []string{"Any_B", "Any_L", "Any_S"}, Names())
}

func TestHasModel(t *testing.T) {
	dir := t.TempDir()
	ok, err := HasModel(dir, "Any_S")
	require.NoError(t, err)
	require.False(t, ok)

	writeFile(t, filepath.Join(dir, "checkpoints", "depth_anything_vits14.onnx"), "weights")
	ok, err = HasModel(dir, "Any_S")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = HasModel(dir, "nope")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestLocalSourceMissing(t *testing.T) {
	_, err := NewRegistry(t.TempDir(), Source{Kind: SourceLocal, Path: "/does/not/exist"}, zap.NewNop())
	require.ErrorIs(t, err, ErrLocalSourceMissing)

	_, err = NewRegistry(t.TempDir(), Source{Kind: "ftp"}, zap.NewNop())
	require.Error(t, err)
}

func TestLocalSourceResolve(t *testing.T) {
	local := t.TempDir()
	writeFile(t, filepath.Join(local, "checkpoints", "depth_anything_vitb14.onnx"), "weights")

	r, err := NewRegistry(t.TempDir(), Source{Kind: SourceLocal, Path: local}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, local, r.Root())

	weights, definition, err := r.Resolve(context.Background(), "Any_B")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(local, "checkpoints", "depth_anything_vitb14.onnx"), weights)
	require.Equal(t, filepath.Join(local, "depth_anything_vitb14.json"), definition)

	_, _, err = r.Resolve(context.Background(), "Any_L")
	require.ErrorIs(t, err, ErrNoRemote)

	require.ErrorIs(t, r.ForceUpdate(context.Background()), ErrNoRemote)
}

func newRepo(t *testing.T, hits *int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/checkpoints/depth_anything_vits14.onnx", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Write([]byte("onnx-bytes"))
	})
	mux.HandleFunc("/checkpoints/depth_anything_vits14_fp16.onnx", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Write([]byte("onnx-fp16-bytes"))
	})
	for _, enc := range []string{"vits", "vitb", "vitl"} {
		enc := enc
		mux.HandleFunc("/depth_anything_"+enc+"14.json", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(hits, 1)
			w.Write([]byte(`{"encoder":"` + enc + `","weights_fp16":"checkpoints/depth_anything_` + enc + `14_fp16.onnx"}`))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteResolveDownloadsOnce(t *testing.T) {
	var hits int32
	srv := newRepo(t, &hits)
	hub := t.TempDir()

	r, err := NewRegistry(hub, Source{Kind: SourceRemote, BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	weights, definition, err := r.Resolve(context.Background(), "Any_S")
	require.NoError(t, err)
	b, err := os.ReadFile(weights)
	require.NoError(t, err)
	require.Equal(t, "onnx-bytes", string(b))
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))

	md, err := LoadMetadata(definition, "vits")
	require.NoError(t, err)
	require.Equal(t, "image", md.InputName)
	require.Equal(t, map[tensor.Precision]string{
		tensor.FP16: "checkpoints/depth_anything_vits14_fp16.onnx",
	}, md.ReducedWeights())

	ok, err := r.HasModel("Any_S")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = r.Resolve(context.Background(), "Any_S")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))

	_, err = os.Stat(weights + ".tmp")
	require.True(t, os.IsNotExist(err))

	half, err := r.ResolveFile(context.Background(), md.WeightsFP16)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(hub, "checkpoints", "depth_anything_vits14_fp16.onnx"), half)
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestRemoteMissingFile(t *testing.T) {
	var hits int32
	srv := newRepo(t, &hits)
	r, err := NewRegistry(t.TempDir(), Source{Kind: SourceRemote, BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, _, err = r.Resolve(context.Background(), "Any_L")
	require.Error(t, err)
	ok, err := r.HasModel("Any_L")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestForceUpdateReplacesDefinitions(t *testing.T) {
	var hits int32
	srv := newRepo(t, &hits)
	hub := t.TempDir()
	stale := filepath.Join(hub, "depth_anything_vitb14.json")
	writeFile(t, stale, `{"encoder":"stale"}`)

	r, err := NewRegistry(hub, Source{Kind: SourceRemote, BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.ForceUpdate(context.Background()))

	md, err := LoadMetadata(stale, "vitb")
	require.NoError(t, err)
	require.Equal(t, "vitb", md.Encoder)
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestLoadMetadataDefaults(t *testing.T) {
	md, err := LoadMetadata(filepath.Join(t.TempDir(), "missing.json"), "vitl")
	require.NoError(t, err)
	require.Equal(t, defaultMetadata("vitl"), md)
	require.Empty(t, md.ReducedWeights())

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, "{")
	_, err = LoadMetadata(bad, "vitl")
	require.Error(t, err)
}
