package jobrecorder

import (
	"context"
	"net/url"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	provisioner "github.com/freerangeinternet/fri-provisioning"
)

// Bitable column names of the job table.
const (
	FieldJobID     = "JobID"
	FieldDevice    = "Device"
	FieldName      = "Name"
	FieldState     = "State"
	FieldKind      = "Kind"
	FieldError     = "ErrorMessage"
	FieldStartAt   = "StartAt"
	FieldEndAt     = "EndAt"
	FieldElapsed   = "ElapsedSeconds"
	FieldCancelled = "Cancelled"
)

// BitableRef locates a table inside a Feishu base.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
}

// ParseBitableURL extracts the app token and table id from a base link such
// as https://example.feishu.cn/base/<app_token>?table=<table_id>.
func ParseBitableURL(raw string) (BitableRef, error) {
	ref := BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("parse bitable url failed: empty url")
	}
	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, errors.Wrap(err, "parse bitable url failed")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("parse bitable url failed: unsupported scheme %q", u.Scheme)
	}
	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		return ref, errors.New("parse bitable url failed: missing /base/<app_token>")
	}
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(u.Query().Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("parse bitable url failed: missing table id in url query")
	}
	return ref, nil
}

// recordAPI is the slice of the bitable record service the recorder uses.
type recordAPI interface {
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

// FeishuRecorder mirrors job history into a Feishu bitable.
type FeishuRecorder struct {
	api recordAPI
	ref BitableRef

	mu        sync.Mutex
	recordIDs map[string]string
}

// NewFeishuRecorder returns nil when tableURL is empty, allowing graceful opt-out.
func NewFeishuRecorder(tableURL, appID, appSecret, baseURL string) (*FeishuRecorder, error) {
	tableURL = strings.TrimSpace(tableURL)
	if tableURL == "" {
		return nil, nil
	}
	ref, err := ParseBitableURL(tableURL)
	if err != nil {
		return nil, err
	}
	appID, appSecret = strings.TrimSpace(appID), strings.TrimSpace(appSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set in environment")
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" && baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return newFeishuRecorder(client.Bitable.V1.AppTableRecord, ref), nil
}

func newFeishuRecorder(api recordAPI, ref BitableRef) *FeishuRecorder {
	return &FeishuRecorder{api: api, ref: ref, recordIDs: make(map[string]string)}
}

func (r *FeishuRecorder) CreateJob(ctx context.Context, rec *provisioner.JobRecord) error {
	if r == nil || r.api == nil || rec == nil {
		return nil
	}
	fields := map[string]any{
		FieldJobID:   rec.JobID,
		FieldDevice:  string(rec.Device),
		FieldName:    rec.Name,
		FieldState:   string(provisioner.PhaseProvisioning),
		FieldStartAt: rec.StartAt.UnixMilli(),
	}
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(r.ref.AppToken).
		TableId(r.ref.TableID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	resp, err := r.api.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "feishu recorder: create job record failed")
	}
	if !resp.Success() {
		return errors.Errorf("feishu recorder: create job record failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data != nil && resp.Data.Record != nil && resp.Data.Record.RecordId != nil {
		r.mu.Lock()
		r.recordIDs[rec.JobID] = *resp.Data.Record.RecordId
		r.mu.Unlock()
	}
	return nil
}

func (r *FeishuRecorder) UpdateJob(ctx context.Context, jobID string, upd *provisioner.JobUpdate) error {
	if r == nil || r.api == nil || upd == nil {
		return nil
	}
	r.mu.Lock()
	recordID, ok := r.recordIDs[jobID]
	delete(r.recordIDs, jobID)
	r.mu.Unlock()
	if !ok {
		log.Warn().Str("job_id", jobID).Msg("feishu recorder: no record for job, skip update")
		return nil
	}
	fields := map[string]any{
		FieldState:     string(upd.State),
		FieldKind:      upd.Kind,
		FieldError:     upd.ErrorMessage,
		FieldEndAt:     upd.EndAt.UnixMilli(),
		FieldElapsed:   upd.ElapsedSeconds,
		FieldCancelled: upd.Cancelled,
	}
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(r.ref.AppToken).
		TableId(r.ref.TableID).
		RecordId(recordID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	resp, err := r.api.Update(ctx, req)
	if err != nil {
		return errors.Wrap(err, "feishu recorder: update job record failed")
	}
	if !resp.Success() {
		return errors.Errorf("feishu recorder: update job record failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}
