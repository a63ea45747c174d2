package workers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"soullink-events/models"
	"soullink-events/services"
	"soullink-events/testutil"
)

type putCall struct {
	key         string
	body        []byte
	contentType string
}

type fakeObjects struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (f *fakeObjects) PutObject(_ context.Context, key string, body []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, putCall{key: key, body: append([]byte(nil), body...), contentType: contentType})
	return nil
}

func (f *fakeObjects) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.key)
	}
	return out
}

// appendEvents writes n encounter events straight to the log and advances the run head.
func appendEvents(t *testing.T, db *gorm.DB, runID string, n int) {
	t.Helper()
	var head models.RunSequence
	require.NoError(t, db.Where("run_id = ?", runID).Limit(1).Find(&head).Error)
	for i := 0; i < n; i++ {
		head.LastSeq++
		ev := models.Event{
			ID:             fmt.Sprintf("%s-ev-%d", runID[len(runID)-4:], head.LastSeq),
			RunID:          runID,
			SequenceNumber: head.LastSeq,
			Type:           models.EventEncounter,
			PlayerID:       testutil.PlayerA,
			Status:         models.StatusFirstEncounter,
			Payload:        datatypes.JSON(fmt.Sprintf(`{"n":%d}`, head.LastSeq)),
			OccurredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, db.Create(&ev).Error)
	}
	head.RunID = runID
	require.NoError(t, db.Save(&head).Error)
}

func newArchiver(t *testing.T, objects ObjectPutter) (*Archiver, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.SeedReference(t, db)
	a := NewArchiver(db, services.NewEventStore(db, nil), objects, nil)
	a.BatchSize = 2
	return a, db
}

func TestArchiveKey(t *testing.T) {
	assert.Equal(t,
		"runs/crystal-soul-link-r1/events-0000000001-0000000002.ndjson",
		ArchiveKey("Crystal Soul Link", "r1", 1, 2))
	assert.Equal(t,
		"runs/run-r1/events-0000000003-0000000003.ndjson",
		ArchiveKey("", "r1", 3, 3))
}

func TestArchiver_ExportsContiguousBatches(t *testing.T) {
	objects := &fakeObjects{}
	a, db := newArchiver(t, objects)
	appendEvents(t, db, testutil.RunID, 5)

	n, err := a.ArchiveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	prefix := "runs/crystal-soul-link-" + testutil.RunID + "/"
	assert.Equal(t, []string{
		prefix + "events-0000000001-0000000002.ndjson",
		prefix + "events-0000000003-0000000004.ndjson",
		prefix + "events-0000000005-0000000005.ndjson",
	}, objects.keys())

	first := objects.calls[0]
	assert.Equal(t, ndjsonContentType, first.contentType)
	var seqs []int64
	sc := bufio.NewScanner(bytes.NewReader(first.body))
	for sc.Scan() {
		var ev models.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		seqs = append(seqs, ev.SequenceNumber)
	}
	assert.Equal(t, []int64{1, 2}, seqs)

	var cp models.ArchiveCheckpoint
	require.NoError(t, db.First(&cp, "run_id = ?", testutil.RunID).Error)
	assert.EqualValues(t, 5, cp.LastSeq)
	assert.Equal(t, prefix+"events-0000000005-0000000005.ndjson", cp.ObjectKey)
}

func TestArchiver_ResumesFromCheckpoint(t *testing.T) {
	objects := &fakeObjects{}
	a, db := newArchiver(t, objects)
	appendEvents(t, db, testutil.RunID, 2)

	n, err := a.ArchiveAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = a.ArchiveAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new past the checkpoint")

	appendEvents(t, db, testutil.RunID, 1)
	appendEvents(t, db, testutil.OtherRunID, 1)
	n, err = a.ArchiveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, objects.keys(), "runs/crystal-soul-link-"+testutil.RunID+"/events-0000000003-0000000003.ndjson")
	assert.Contains(t, objects.keys(), "runs/emerald-soul-link-"+testutil.OtherRunID+"/events-0000000001-0000000001.ndjson")
}

func TestArchiver_UploadFailureKeepsCheckpoint(t *testing.T) {
	objects := &fakeObjects{err: errors.New("bucket unavailable")}
	a, db := newArchiver(t, objects)
	appendEvents(t, db, testutil.RunID, 3)

	n, err := a.ArchiveRun(context.Background(), testutil.RunID)
	require.Error(t, err)
	assert.Zero(t, n)

	var count int64
	require.NoError(t, db.Model(&models.ArchiveCheckpoint{}).Count(&count).Error)
	assert.Zero(t, count)

	objects.err = nil
	n, err = a.ArchiveRun(context.Background(), testutil.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
