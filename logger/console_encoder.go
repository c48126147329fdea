package logger

import (
	"fmt"
	"hash/fnv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// ANSI codes for the console encoder. One calm palette; JSON mode is the
// machine-readable escape hatch, so no theme system here.
const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	colorTime   = "\x1b[38;5;109m" // soft blue for timestamps
	colorText   = "\x1b[38;5;223m" // soft cream for message text
	colorValue  = "\x1b[38;5;108m" // muted green for field values
	colorWarnFg = "\x1b[38;5;214m"
	colorWarnBg = "\x1b[48;5;58m"
	colorErrFg  = "\x1b[38;5;167m"
	colorErrBg  = "\x1b[48;5;88m"
)

// componentPalette colors component names consistently per name so related
// lines group visually in a busy log.
var componentPalette = []string{
	"\x1b[38;5;108m", // green
	"\x1b[38;5;109m", // blue
	"\x1b[38;5;175m", // purple
	"\x1b[38;5;208m", // orange
	"\x1b[38;5;214m", // yellow
}

func componentColor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return componentPalette[h.Sum32()%uint32(len(componentPalette))]
}

// abbreviateName shortens component names: server -> s, monitor.channel -> m.channel
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}

// consoleEncoder implements a calm, compact console encoder.
// Format: "13:04:35  s.follower  Trace update received  trace_id=tr-81f2"
type consoleEncoder struct {
	zapcore.Encoder // Embed a base encoder for field serialization
}

func newConsoleEncoder() *consoleEncoder {
	return &consoleEncoder{
		Encoder: zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
	}
}

func (enc *consoleEncoder) Clone() zapcore.Encoder {
	return &consoleEncoder{Encoder: enc.Encoder.Clone()}
}

func (enc *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := buffer.NewPool().Get()

	final.AppendString(colorTime)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	// Level badge only for WARN and above; INFO lines stay quiet
	if badge := levelBadge(ent.Level); badge != "" {
		final.AppendString("  ")
		final.AppendString(badge)
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(componentColor(ent.LoggerName))
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	final.AppendString("  ")
	final.AppendString(colorText)
	final.AppendString(ent.Message)
	final.AppendString(colorReset)

	if rendered := renderFields(fields); rendered != "" {
		final.AppendString("  ")
		final.AppendString(rendered)
	}

	final.AppendString("\n")
	return final, nil
}

func levelBadge(level zapcore.Level) string {
	switch level {
	case zapcore.WarnLevel:
		return colorBold + colorWarnBg + colorWarnFg + "WARN" + colorReset
	case zapcore.ErrorLevel:
		return colorBold + colorErrBg + colorErrFg + "ERROR" + colorReset
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + colorErrBg + colorErrFg + level.CapitalString() + colorReset
	default:
		return ""
	}
}

// fieldValue extracts a printable value from a zap field
func fieldValue(field zapcore.Field) string {
	switch {
	case field.Type == zapcore.StringType:
		return field.String
	case field.Type == zapcore.Int64Type || field.Type == zapcore.Int32Type ||
		field.Type == zapcore.Int16Type || field.Type == zapcore.Int8Type ||
		field.Type == zapcore.Uint64Type || field.Type == zapcore.Uint32Type ||
		field.Type == zapcore.Uint16Type || field.Type == zapcore.Uint8Type:
		return fmt.Sprintf("%d", field.Integer)
	case field.Type == zapcore.BoolType:
		if field.Integer == 1 {
			return "true"
		}
		return "false"
	case field.Type == zapcore.DurationType:
		return fmt.Sprintf("%dms", field.Integer/1e6)
	case field.Type == zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			return err.Error()
		}
		return ""
	case field.Interface != nil:
		return fmt.Sprintf("%v", field.Interface)
	default:
		return ""
	}
}

// renderFields formats structured fields as dimmed key=value pairs, with the
// error field highlighted.
func renderFields(fields []zapcore.Field) string {
	var parts []string
	for _, field := range fields {
		val := fieldValue(field)
		if val == "" {
			continue
		}
		if field.Key == FieldError {
			parts = append(parts, colorErrFg+field.Key+"="+val+colorReset)
			continue
		}
		parts = append(parts, colorValue+field.Key+"="+val+colorReset)
	}
	return strings.Join(parts, " ")
}
