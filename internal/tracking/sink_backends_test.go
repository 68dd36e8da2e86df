package tracking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"govsim/internal/storage/mysql"
)

type fakeRedis struct {
	hashes  map[string]map[string]any
	streams map[string][]*goredis.XAddArgs
	sets    map[string][]any
	closed  bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes:  map[string]map[string]any{},
		streams: map[string][]*goredis.XAddArgs{},
		sets:    map[string][]any{},
	}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd {
	h := f.hashes[key]
	if h == nil {
		h = map[string]any{}
		f.hashes[key] = h
	}
	for _, v := range values {
		for k, val := range v.(map[string]any) {
			h[k] = val
		}
	}
	return goredis.NewIntResult(int64(len(h)), nil)
}

func (f *fakeRedis) XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	f.streams[a.Stream] = append(f.streams[a.Stream], a)
	return goredis.NewStringResult("0-1", nil)
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd {
	f.sets[key] = append(f.sets[key], members...)
	return goredis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisSinkWritesRunEventsAndArtifacts(t *testing.T) {
	client := newFakeRedis()
	sink := newRedisSink(client, "", 1000)

	l, err := New(context.Background(), "pollution", map[string]any{"seed": 1}, false, WithSink(sink))
	require.NoError(t, err)
	require.NoError(t, l.Log(context.Background(), map[string]any{"stock": 10}))

	a := &Artifact{Name: "hydra", Type: "log", entries: map[string]ArtifactEntry{
		"main.log": {Path: "main.log", Digest: "abc", Size: 3},
	}}
	_, err = l.LogArtifact(context.Background(), a)
	require.NoError(t, err)
	require.NoError(t, l.Finish(context.Background(), StatusFinished))

	runKey := "govsim:run:" + l.RunID()
	require.Equal(t, StatusFinished, client.hashes[runKey]["status"])
	require.Equal(t, `{"seed":1}`, client.hashes[runKey]["config"])
	require.Contains(t, client.sets["govsim:project:pollution:runs"], l.RunID())

	stream := client.streams[runKey+":events"]
	require.Len(t, stream, 1)
	require.Equal(t, int64(1000), stream[0].MaxLen)
	require.Equal(t, "0", stream[0].Values.(map[string]any)["step"])

	require.Equal(t, "abc:3", client.hashes[runKey+":artifact:hydra:v0"]["main.log"])
	require.Equal(t, "log", client.hashes[runKey+":artifact:hydra:v0"]["_type"])
	require.True(t, client.closed)
}

type fakePublisher struct {
	messages []amqp.Publishing
	keys     []string
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	f.messages = append(f.messages, msg)
	return nil
}

func TestRabbitMQSinkPublishesTypedMessages(t *testing.T) {
	pub := &fakePublisher{}
	sink := &RabbitMQSink{pub: pub, queue: "govsim.tracking"}

	l, err := New(context.Background(), "fishing", nil, false, WithSink(sink))
	require.NoError(t, err)
	require.NoError(t, l.Log(context.Background(), map[string]any{"round": 3}))
	_, err = l.LogArtifact(context.Background(), NewArtifact("hydra", "log"))
	require.NoError(t, err)
	require.NoError(t, l.Finish(context.Background(), StatusFinished))

	var kinds []string
	for _, msg := range pub.messages {
		kinds = append(kinds, msg.Type)
		require.Equal(t, l.RunID(), msg.CorrelationId)
		require.Equal(t, "application/json", msg.ContentType)
	}
	require.Equal(t, []string{MessageRunStarted, MessageEvent, MessageArtifact, MessageRunFinished}, kinds)
	require.Equal(t, "govsim.tracking", pub.keys[0])

	var ev Event
	require.NoError(t, json.Unmarshal(pub.messages[1].Body, &ev))
	require.Equal(t, float64(3), ev.Metrics["round"])
}

type fakeRunRepository struct {
	runs   map[string]mysql.RunRecord
	events []mysql.EventRecord
	files  []mysql.ArtifactFileRecord
	closed bool
}

func (f *fakeRunRepository) CreateRun(_ context.Context, run mysql.RunRecord) error {
	if _, ok := f.runs[run.ID]; ok {
		return mysql.ErrRunConflict
	}
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepository) FinishRun(_ context.Context, run mysql.RunRecord) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepository) AppendEvent(_ context.Context, ev mysql.EventRecord) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRunRepository) SaveArtifact(_ context.Context, files []mysql.ArtifactFileRecord) error {
	f.files = append(f.files, files...)
	return nil
}

func (f *fakeRunRepository) ListRuns(context.Context, string, int) ([]mysql.RunRecord, error) {
	return nil, nil
}

func (f *fakeRunRepository) Close() error {
	f.closed = true
	return nil
}

func TestMySQLSinkMapsRecords(t *testing.T) {
	repo := &fakeRunRepository{runs: map[string]mysql.RunRecord{}}
	clock := fixedClock()
	l, err := New(context.Background(), "sheep", map[string]any{"llm": map[string]any{"num": 2}}, false,
		WithSink(NewMySQLSinkWithRepository(repo)), WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, l.Log(context.Background(), map[string]any{"flock": 50}))
	a := &Artifact{Name: "hydra", Type: "log", entries: map[string]ArtifactEntry{
		"a.txt": {Path: "a.txt", Digest: "d1", Size: 1},
		"b.txt": {Path: "b.txt", Digest: "d2", Size: 2},
	}}
	_, err = l.LogArtifact(context.Background(), a)
	require.NoError(t, err)
	l.SetSummary("survival_months", 4)
	require.NoError(t, l.Finish(context.Background(), StatusFinished))

	run := repo.runs[l.RunID()]
	require.Equal(t, StatusFinished, run.Status)
	require.Equal(t, `{"survival_months":4}`, run.Summary)
	require.Equal(t, clock().Unix(), run.FinishedAt)
	require.Len(t, repo.events, 1)
	require.Equal(t, `{"flock":50}`, repo.events[0].Metrics)
	require.Len(t, repo.files, 2)
	require.Equal(t, "a.txt", repo.files[0].Path)
	require.Equal(t, "hydra", repo.files[1].Name)
	require.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Unix(), repo.files[0].CreatedAt)
	require.True(t, repo.closed)
}
