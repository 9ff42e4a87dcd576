package repnet

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenStore(StoreConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "db", "storage.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStoreBan(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Ban("10.0.0.1", ""))
	require.NoError(t, s.Ban("10.0.0.2", "flooding"))

	assert.ErrorIs(t, s.Ban("not an address", ""), ErrInvalidAddress)
	assert.Error(t, s.Ban("10.0.0.1", "again"))

	banned, reason, err := s.IsBanned("10.0.0.1")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, "Banned.", reason)

	bans, err := s.BanList()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"10.0.0.1": "Banned.",
		"10.0.0.2": "flooding",
	}, bans)

	require.NoError(t, s.Unban("10.0.0.1"))
	banned, _, err = s.IsBanned("10.0.0.1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanHost(t *testing.T) {
	assert.Equal(t, "10.0.0.1", BanHost(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30000}))
	assert.Equal(t, "::1", BanHost(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 30000}))
	assert.Equal(t, "example", BanHost(testAddr("example:1")))
	assert.Equal(t, "plain", BanHost(testAddr("plain")))
}

func TestStoreSessions(t *testing.T) {
	s := openTestStore(t)

	opened := time.Unix(1600000000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.LogSession(SessionRecord{
			Driver: "default",
			Addr:   "10.0.0.1:30000",
			Opened: opened,
			Closed: opened.Add(time.Duration(i) * time.Minute),
			Reason: "closed",
			Stats:  Stats{PacketsIn: uint64(i), Retransmits: 7},
		}))
	}

	recs, err := s.Sessions(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, uint64(2), recs[0].Stats.PacketsIn, "newest first")
	assert.Equal(t, uint64(7), recs[0].Stats.Retransmits)
	assert.True(t, opened.Add(2*time.Minute).Equal(recs[0].Closed))
	assert.True(t, opened.Equal(recs[1].Opened))
	assert.Equal(t, "default", recs[1].Driver)
}

func TestStorePluginValues(t *testing.T) {
	s := openTestStore(t)

	v, err := s.PluginValue("missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetPluginValue("k", "one"))
	require.NoError(t, s.SetPluginValue("k", "two"))

	v, err = s.PluginValue("k")
	require.NoError(t, err)
	assert.Equal(t, "two", v)

	require.NoError(t, s.SetPluginValue("k", ""))
	v, err = s.PluginValue("k")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestStoreRebind(t *testing.T) {
	s := &Store{driver: "postgres"}
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d = $2;", s.rebind("SELECT a FROM b WHERE c = ? AND d = ?;"))

	s.driver = "sqlite3"
	assert.Equal(t, "c = ?", s.rebind("c = ?"))
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore(StoreConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestStatsCBOR(t *testing.T) {
	st := Stats{PacketsIn: 1, BytesOut: 1 << 40, NAKs: 3, Malformed: 9}

	data, err := st.EncodeCBOR()
	require.NoError(t, err)

	got, err := DecodeStats(data)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = DecodeStats([]byte{0xff})
	assert.Error(t, err)
}
