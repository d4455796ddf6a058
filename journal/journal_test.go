package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyths/qtrd/registry"
	"go.mongodb.org/mongo-driver/bson"
)

func TestFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	j, err := NewFile(dir)
	require.NoError(t, err)

	e1 := NewEvent("bp_sol_01", "run-1", KindStarted, "supervisor started")
	e2 := NewEvent("bp_sol_01", "run-1", KindWorkerStarted, "")
	e2.Fields = map[string]any{"pid": 42}
	require.NoError(t, j.Record(ctx, e1))
	require.NoError(t, j.Record(ctx, e2))
	require.NoError(t, j.Mirror(ctx, registry.Record{InstanceID: "bp_sol_01", PID: 7, Status: "running"}))
	require.NoError(t, j.Close(ctx))
	require.NoError(t, j.Close(ctx))
	assert.Error(t, j.Record(ctx, e1))

	f, err := os.Open(j.Path())
	require.NoError(t, err)
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		kinds = append(kinds, e.Kind)
		assert.NotEmpty(t, e.ID)
	}
	assert.Equal(t, []string{KindStarted, KindWorkerStarted}, kinds)

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "bp_sol_01", state["instance_id"])
	assert.Equal(t, "running", state["status"])
}

type failing struct{ Nop }

func (failing) Record(context.Context, Event) error { return errors.New("down") }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	j, err := NewFile(t.TempDir())
	require.NoError(t, err)
	m := Multi{failing{}, j, Nop{}}

	assert.Error(t, m.Record(ctx, NewEvent("a", "", KindStopped, "")))
	assert.NoError(t, m.Mirror(ctx, registry.Record{InstanceID: "a"}))
	assert.NoError(t, m.Close(ctx))

	info, err := os.Stat(j.Path())
	require.NoError(t, err)
	assert.NotZero(t, info.Size(), "later journals still receive the event")
}

func TestMongo(t *testing.T) {
	uri := os.Getenv("QTRD_MONGO_URI")
	if uri == "" {
		t.Skip("QTRD_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := DialMongo(ctx, MongoConfig{URI: uri, Database: "qtrd_test"})
	require.NoError(t, err)
	defer m.Close(ctx)
	defer m.db.Drop(ctx)

	require.NoError(t, m.Record(ctx, NewEvent("x", "r", KindStarted, "")))
	require.NoError(t, m.Mirror(ctx, registry.Record{InstanceID: "x", PID: 1, Status: "starting"}))
	require.NoError(t, m.Mirror(ctx, registry.Record{InstanceID: "x", PID: 1, Status: "running"}))

	n, err := m.db.Collection(InstancesColl).CountDocuments(ctx, bson.D{{Key: "instanceId", Value: "x"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var doc bson.M
	require.NoError(t, m.db.Collection(InstancesColl).FindOne(ctx, bson.D{{Key: "instanceId", Value: "x"}}).Decode(&doc))
	assert.Equal(t, "running", doc["status"])
	assert.Contains(t, doc, "lastModified")
}
