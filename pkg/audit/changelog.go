package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// ChangeLog appends one JSON line per committed edit or undo.
// Writes are best-effort: the database audit trail is authoritative.
type ChangeLog struct {
	logger *zap.Logger
	file   *os.File
}

// OpenChangeLog opens (creating if needed) the change log file at path.
func OpenChangeLog(path string) (*ChangeLog, error) {
	if path == "" {
		return nil, fmt.Errorf("change log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create change log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open change log %s: %w", path, err)
	}
	cl := NewChangeLog(zapcore.AddSync(f))
	cl.file = f
	return cl, nil
}

// NewChangeLog writes change lines to ws.
func NewChangeLog(ws zapcore.WriteSyncer) *ChangeLog {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "at"
	enc.MessageKey = "event"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.LevelKey = zapcore.OmitKey
	enc.CallerKey = zapcore.OmitKey
	enc.StacktraceKey = zapcore.OmitKey

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, zapcore.InfoLevel)
	return &ChangeLog{logger: zap.New(core)}
}

// Record writes entry. A nil ChangeLog discards it.
func (c *ChangeLog) Record(entry *models.AuditEntry) {
	if c == nil || entry == nil {
		return
	}
	fields := []zap.Field{
		zap.String("audit_id", entry.ID.String()),
		zap.String("action", entry.Action),
		zap.String("actor_id", entry.ActorID),
		zap.String("actor_name", entry.ActorName),
		zap.String("table", entry.TableName),
		zap.String("row_pk", entry.RowPK),
		zap.String("column", entry.Column),
		nullable("old_value", entry.OldValue),
		nullable("new_value", entry.NewValue),
		zap.Time("committed_at", entry.CreatedAt.UTC().Truncate(time.Microsecond)),
	}
	if entry.ClientAddress != nil {
		fields = append(fields, zap.String("client_address", *entry.ClientAddress))
	}
	c.logger.Info("cell_"+entry.Action, fields...)
}

// Close flushes and closes the underlying file, if any.
func (c *ChangeLog) Close() error {
	if c == nil {
		return nil
	}
	_ = c.logger.Sync()
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

func nullable(key string, v *string) zap.Field {
	if v == nil {
		return zap.Reflect(key, nil)
	}
	return zap.String(key, *v)
}
