package state

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asad/crmstate/internal/logging"
	"github.com/asad/crmstate/internal/store"
)

type session struct {
	Token string `json:"token"`
	Role  string `json:"role,omitempty"`
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersister(dir, []string{"auth", "missing"}, logging.NewNop())
	require.NoError(t, err)

	st := store.State{
		"auth":  session{Token: "abc", Role: "Admin"},
		"cache": map[string]int{"x": 1},
	}
	require.NoError(t, p.Save(st))

	_, err = os.Stat(filepath.Join(dir, "cache.json"))
	assert.True(t, os.IsNotExist(err), "unlisted regions are not written")

	info, err := os.Stat(filepath.Join(dir, "auth.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(dir, map[string]Decoder{
		"auth":    DecodeAs[session](),
		"missing": DecodeAs[session](),
	})
	require.NoError(t, err)
	assert.Equal(t, store.State{"auth": session{Token: "abc", Role: "Admin"}}, loaded)
}

func TestSave_SkipsUnchangedRegions(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersister(dir, []string{"auth"}, logging.NewNop())
	require.NoError(t, err)
	path := filepath.Join(dir, "auth.json")

	require.NoError(t, p.Save(store.State{"auth": session{Token: "a"}}))

	// An external edit survives a save of the same value.
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"edited"}`), 0o600))
	require.NoError(t, p.Save(store.State{"auth": session{Token: "a"}}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"edited"}`, string(data))

	require.NoError(t, p.Save(store.State{"auth": session{Token: "b"}}))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"b"}`, string(data))
}

func TestSave_ReportsEncodeErrors(t *testing.T) {
	p, err := NewPersister(t.TempDir(), []string{"bad"}, logging.NewNop())
	require.NoError(t, err)

	err = p.Save(store.State{"bad": make(chan int)})
	assert.ErrorContains(t, err, "encode region bad")
}

func TestLoad_DecodeError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth.json"), []byte(`{`), 0o600))

	_, err := Load(dir, map[string]Decoder{"auth": DecodeAs[session]()})
	assert.ErrorContains(t, err, "decode region auth")
}

func TestAttach(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersister(dir, []string{"auth"}, logging.NewNop())
	require.NoError(t, err)

	st, err := store.CreateStore(store.Regions{
		"auth": func(s any, a store.Action) any {
			if a.Type == "auth/set" {
				return session{Token: a.Payload.(string)}
			}
			if s == nil {
				return session{}
			}
			return s
		},
	})
	require.NoError(t, err)

	detach := p.Attach(st)
	loaded, err := Load(dir, map[string]Decoder{"auth": DecodeAs[session]()})
	require.NoError(t, err)
	assert.Equal(t, session{}, loaded["auth"])

	_, err = st.Dispatch(store.NewAction("auth/set", "t1"))
	require.NoError(t, err)
	loaded, err = Load(dir, map[string]Decoder{"auth": DecodeAs[session]()})
	require.NoError(t, err)
	assert.Equal(t, session{Token: "t1"}, loaded["auth"])

	detach()
	_, err = st.Dispatch(store.NewAction("auth/set", "t2"))
	require.NoError(t, err)
	loaded, err = Load(dir, map[string]Decoder{"auth": DecodeAs[session]()})
	require.NoError(t, err)
	assert.Equal(t, session{Token: "t1"}, loaded["auth"])
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	require.NoError(t, Remove(dir, "auth"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, Remove(dir, "auth"))
}

func TestCookieFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cookies.json")
	f := NewCookieFile(path)

	cookies, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, cookies)

	require.NoError(t, f.Save([]*http.Cookie{{Name: "refresh_token", Value: "r1"}}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cookies, err = f.Load()
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "refresh_token", cookies[0].Name)
	assert.Equal(t, "r1", cookies[0].Value)

	require.NoError(t, f.Save(nil))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.Save(nil))
}
