package jobrecorder

import (
	"github.com/rs/zerolog/log"

	provisioner "github.com/freerangeinternet/fri-provisioning"
	"github.com/freerangeinternet/fri-provisioning/internal/env"
)

const (
	EnvHistoryDBPath   = "JOB_HISTORY_DB_PATH"
	EnvBitableURL      = "JOB_BITABLE_URL"
	EnvFeishuAppID     = "FEISHU_APP_ID"
	EnvFeishuAppSecret = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL   = "FEISHU_BASE_URL"
)

// Recorders is what NewFromEnv built. History is nil when the SQLite log is
// disabled.
type Recorders struct {
	Recorder provisioner.JobRecorder
	History  *SQLiteRecorder
}

// Close releases the SQLite handle, if any.
func (r Recorders) Close() error {
	return r.History.Close()
}

// NewFromEnv builds the recorder chain from environment variables; it falls
// back to a no-op recorder when nothing is configured.
func NewFromEnv() (Recorders, error) {
	var (
		out   Recorders
		chain Multi
	)
	if path := env.String(EnvHistoryDBPath, ""); path != "" {
		history, err := OpenSQLite(path)
		if err != nil {
			return out, err
		}
		out.History = history
		chain = append(chain, history)
		log.Info().Str("path", path).Msg("job history enabled")
	}
	feishu, err := NewFeishuRecorder(
		env.String(EnvBitableURL, ""),
		env.String(EnvFeishuAppID, ""),
		env.String(EnvFeishuAppSecret, ""),
		env.String(EnvFeishuBaseURL, ""),
	)
	if err != nil {
		_ = out.Close()
		return Recorders{}, err
	}
	if feishu != nil {
		chain = append(chain, feishu)
		log.Info().Str("app_token", feishu.ref.AppToken).Str("table_id", feishu.ref.TableID).Msg("feishu job table enabled")
	}
	switch len(chain) {
	case 0:
		out.Recorder = provisioner.NoopRecorder{}
	case 1:
		out.Recorder = chain[0]
	default:
		out.Recorder = chain
	}
	return out, nil
}
