package jobrecorder

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"

	provisioner "github.com/freerangeinternet/fri-provisioning"
)

func TestSQLiteRecorderRoundTrip(t *testing.T) {
	rec, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "jobs.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer rec.Close()
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := rec.CreateJob(ctx, &provisioner.JobRecord{
		JobID: "a", Device: provisioner.DeviceRouter, Name: "Smith", Args: []string{"--hostname", "Smith"}, StartAt: start,
	}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := rec.CreateJob(ctx, &provisioner.JobRecord{
		JobID: "b", Device: provisioner.DeviceCPE, Name: "Smith", StartAt: start.Add(time.Minute),
	}); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := rec.UpdateJob(ctx, "a", &provisioner.JobUpdate{
		State: provisioner.PhaseError, Kind: "InvalidCredentials", ErrorMessage: "Invalid password",
		EndAt: start.Add(2 * time.Minute), ElapsedSeconds: 120,
	}); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if err := rec.UpdateJob(ctx, "missing", &provisioner.JobUpdate{State: provisioner.PhaseSuccess}); err == nil {
		t.Fatal("update of unknown job should fail")
	}

	rows, err := rec.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListJobs returned %d rows, want 2", len(rows))
	}
	if b := rows[0]; b.JobID != "b" || b.State != "provisioning" || b.EndAt != nil {
		t.Fatalf("newest row = %+v", b)
	}

	a := rows[1]
	if a.State != "error" || a.Kind != "InvalidCredentials" {
		t.Fatalf("row a state=%q kind=%q", a.State, a.Kind)
	}
	if !reflect.DeepEqual(a.Args, []string{"--hostname", "Smith"}) {
		t.Fatalf("row a args = %#v", a.Args)
	}
	if !a.StartAt.Equal(start) {
		t.Fatalf("row a start = %v, want %v", a.StartAt, start)
	}
	if a.ElapsedSeconds == nil || *a.ElapsedSeconds != 120 {
		t.Fatalf("row a elapsed = %v", a.ElapsedSeconds)
	}

	rows, err = rec.ListJobs(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListJobs(1) = %d rows, %v", len(rows), err)
	}
}

func TestParseBitableURL(t *testing.T) {
	ref, err := ParseBitableURL("https://example.feishu.cn/base/bascnAbc?table=tblXyz&view=vew1")
	if err != nil {
		t.Fatalf("ParseBitableURL: %v", err)
	}
	if ref.AppToken != "bascnAbc" || ref.TableID != "tblXyz" {
		t.Fatalf("ref = %+v", ref)
	}

	for _, raw := range []string{"", "ftp://x/base/a?table=b", "https://x/base/a", "https://x/wiki/a?table=b"} {
		if _, err := ParseBitableURL(raw); err == nil {
			t.Errorf("ParseBitableURL(%q) should fail", raw)
		}
	}
}

type fakeRecordAPI struct {
	created []map[string]any
	updated []map[string]any
}

func (f *fakeRecordAPI) Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	f.created = append(f.created, req.AppTableRecord.Fields)
	id := "rec1"
	return &larkbitable.CreateAppTableRecordResp{
		CodeError: larkcore.CodeError{Code: 0},
		Data:      &larkbitable.CreateAppTableRecordRespData{Record: &larkbitable.AppTableRecord{RecordId: &id}},
	}, nil
}

func (f *fakeRecordAPI) Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error) {
	f.updated = append(f.updated, req.AppTableRecord.Fields)
	return &larkbitable.UpdateAppTableRecordResp{CodeError: larkcore.CodeError{Code: 0}}, nil
}

func TestFeishuRecorder(t *testing.T) {
	api := &fakeRecordAPI{}
	rec := newFeishuRecorder(api, BitableRef{AppToken: "app", TableID: "tbl"})
	ctx := context.Background()

	if err := rec.CreateJob(ctx, &provisioner.JobRecord{JobID: "j1", Device: provisioner.DeviceCPE, Name: "Smith", StartAt: time.Unix(100, 0)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if len(api.created) != 1 {
		t.Fatalf("created %d records", len(api.created))
	}
	if got := api.created[0][FieldJobID]; got != "j1" {
		t.Fatalf("job id field = %v", got)
	}
	if got := api.created[0][FieldStartAt]; got != int64(100000) {
		t.Fatalf("start field = %v", got)
	}

	if err := rec.UpdateJob(ctx, "j1", &provisioner.JobUpdate{State: provisioner.PhaseSuccess, EndAt: time.Unix(160, 0), ElapsedSeconds: 60}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if len(api.updated) != 1 || api.updated[0][FieldState] != "success" {
		t.Fatalf("updates = %v", api.updated)
	}

	// unknown jobs are skipped rather than failing the supervisor
	if err := rec.UpdateJob(ctx, "j1", &provisioner.JobUpdate{State: provisioner.PhaseError}); err != nil {
		t.Fatalf("second UpdateJob: %v", err)
	}
	if len(api.updated) != 1 {
		t.Fatalf("updates = %d, want 1", len(api.updated))
	}
}

func TestNewFeishuRecorderOptOut(t *testing.T) {
	rec, err := NewFeishuRecorder("", "", "", "")
	if err != nil || rec != nil {
		t.Fatalf("NewFeishuRecorder without url = %v, %v", rec, err)
	}
	if _, err := NewFeishuRecorder("https://x.feishu.cn/base/a?table=b", "", "", ""); err == nil {
		t.Fatal("missing app credentials should fail")
	}
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) CreateJob(context.Context, *provisioner.JobRecord) error {
	f.calls++
	return errors.New("down")
}

func (f *failingRecorder) UpdateJob(context.Context, string, *provisioner.JobUpdate) error {
	f.calls++
	return errors.New("down")
}

func TestMultiKeepsGoing(t *testing.T) {
	first, second := &failingRecorder{}, &failingRecorder{}
	m := Multi{first, provisioner.NoopRecorder{}, second}
	if err := m.CreateJob(context.Background(), &provisioner.JobRecord{JobID: "x"}); err == nil || err.Error() != "down" {
		t.Fatalf("CreateJob err = %v", err)
	}
	if err := m.UpdateJob(context.Background(), "x", &provisioner.JobUpdate{}); err == nil {
		t.Fatal("UpdateJob should report the failure")
	}
	if first.calls != 2 || second.calls != 2 {
		t.Fatalf("calls = %d, %d; want 2, 2", first.calls, second.calls)
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv(EnvHistoryDBPath, filepath.Join(t.TempDir(), "jobs.sqlite"))
	t.Setenv(EnvBitableURL, "")
	recs, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	defer recs.Close()
	if recs.History == nil {
		t.Fatal("history should be enabled")
	}
	if got, ok := recs.Recorder.(*SQLiteRecorder); !ok || got != recs.History {
		t.Fatalf("recorder = %T, want the history recorder", recs.Recorder)
	}

	t.Setenv(EnvHistoryDBPath, "")
	recs, err = NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv without history: %v", err)
	}
	if recs.Recorder != (provisioner.NoopRecorder{}) || recs.History != nil {
		t.Fatalf("recorders = %+v", recs)
	}
}
