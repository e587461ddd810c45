package mongo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"goa.design/relay/assistant"
)

func TestInsertLoadRoundTrip(t *testing.T) {
	client := mustNewTestClient()
	a := &assistant.Assistant{
		ID:           "a1",
		Name:         "research",
		Owner:        "acme",
		GraphRef:     "graph",
		Config:       map[string]any{"model": "base"},
		ConfigSchema: json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, client.InsertAssistant(context.Background(), a))

	stored, err := client.LoadAssistant(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, "research", stored.Name)
	require.Equal(t, "base", stored.Config["model"])
	require.JSONEq(t, `{"type":"object"}`, string(stored.ConfigSchema))
}

func TestInsertDuplicate(t *testing.T) {
	client := mustNewTestClient()
	a := &assistant.Assistant{ID: "a1", Owner: "acme", GraphRef: "graph"}
	require.NoError(t, client.InsertAssistant(context.Background(), a))
	require.ErrorIs(t, client.InsertAssistant(context.Background(), a), assistant.ErrExists)
}

func TestDeleteMissing(t *testing.T) {
	client := mustNewTestClient()
	require.ErrorIs(t, client.DeleteAssistant(context.Background(), "ghost"), assistant.ErrNotFound)
}

func TestSearchFiltersAndPages(t *testing.T) {
	client := mustNewTestClient()
	base := time.Now().UTC()
	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, client.InsertAssistant(context.Background(), &assistant.Assistant{
			ID: id, Owner: "acme", GraphRef: "graph",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, client.InsertAssistant(context.Background(), &assistant.Assistant{
		ID: "other", Owner: "acme", GraphRef: "different",
	}))

	got, err := client.SearchAssistants(context.Background(), assistant.SearchFilter{
		Owner: "acme", GraphRef: "graph",
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "a3", got[0].ID)

	got, err = client.SearchAssistants(context.Background(), assistant.SearchFilter{
		Owner: "acme", GraphRef: "graph", Limit: 1, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a2", got[0].ID)
}

func mustNewTestClient() *client {
	return &client{coll: newFakeCollection(), timeout: time.Second}
}

type fakeCollection struct {
	mu   sync.Mutex
	docs []assistantDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{}
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := doc.(assistantDocument)
	for _, existing := range c.docs {
		if existing.AssistantID == d.AssistantID {
			return mongodriver.CommandError{Code: 11000}
		}
	}
	c.docs = append(c.docs, d)
	return nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["assistant_id"].(string)
	for _, d := range c.docs {
		if d.AssistantID == id {
			copyDoc := d
			return fakeSingleResult{doc: &copyDoc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, doc any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["assistant_id"].(string)
	for i, d := range c.docs {
		if d.AssistantID == id {
			c.docs[i] = doc.(assistantDocument)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["assistant_id"].(string)
	for i, d := range c.docs {
		if d.AssistantID == id {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ bson.D, skip, limit int64) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	var out []assistantDocument
	for _, d := range c.docs {
		if d.Owner != f["owner"].(string) {
			continue
		}
		if ref, ok := f["graph_ref"].(string); ok && d.GraphRef != ref {
			continue
		}
		out = append(out, d)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if skip > 0 {
		if skip >= int64(len(out)) {
			out = nil
		} else {
			out = out[skip:]
		}
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return fakeCursor{docs: out}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel) (string, error) {
	return "idx", nil
}

type fakeSingleResult struct {
	doc *assistantDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*assistantDocument) = *r.doc
	return nil
}

type fakeCursor struct {
	docs []assistantDocument
}

func (c fakeCursor) All(_ context.Context, results any) error {
	*results.(*[]assistantDocument) = c.docs
	return nil
}
