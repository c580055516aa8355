package peer

import (
	"fmt"
	"strings"

	"github.com/Carcophan/Jabit/wire"
	"github.com/btcsuite/btclog"
)

const (
	// maxRejectReasonLen is the maximum length of a sanitized reason
	// string.  This is more than enough to print a user agent.
	maxRejectReasonLen = 250
)

// log is a logger that is initialized with no output filters.  This
// means the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// LogClosure is a closure that can be printed with %v to be used to
// generate expensive-to-create data for a detailed log level and avoid doing
// the work if the data isn't printed.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// sanitizeString strips any characters which are even remotely dangerous,
// such as html control characters, from the passed string.  It also limits
// it to the passed maximum size, which can be 0 for unlimited.  When the
// string is limited, it will also add "..." to the string to indicate it was
// truncated.
func sanitizeString(str string, maxLength uint) string {
	const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXY" +
		"Z01234567890 .,;_/:?@"

	// Strip any characters not in the safeChars string removed.
	str = strings.Map(func(r rune) rune {
		if strings.ContainsRune(safeChars, r) {
			return r
		}
		return -1
	}, str)

	// Limit the string to the max allowed length.
	if maxLength > 0 && uint(len(str)) > maxLength {
		str = str[:maxLength]
		str = str + "..."
	}
	return str
}

// messageSummary returns a human-readable string which summarizes a message.
// Not all messages have or need a summary.  This is used for debug logging.
func messageSummary(msg wire.Message) string {
	switch msg := msg.(type) {
	case *wire.MsgVersion:
		return fmt.Sprintf("agent %s, pver %d, streams %v",
			sanitizeString(msg.UserAgent, maxRejectReasonLen),
			msg.ProtocolVersion, msg.Streams)

	case *wire.MsgVerAck:
		// No summary.

	case *wire.MsgAddr:
		return fmt.Sprintf("%d addr", len(msg.AddrList))

	case *wire.MsgInv:
		return invSummary(msg.InvList)

	case *wire.MsgGetData:
		return invSummary(msg.InvList)

	case *wire.MsgObject:
		return fmt.Sprintf("%v v%d, stream %d, expires %v",
			msg.ObjectType, msg.Version(), msg.Stream(), msg.ExpiresTime)

	case *wire.MsgCustom:
		return fmt.Sprintf("command %s, %d bytes",
			sanitizeString(msg.CustomCommand, maxRejectReasonLen),
			len(msg.Data))

	case *wire.MsgUnknown:
		return fmt.Sprintf("%d bytes", len(msg.Payload))
	}

	// No summary for other messages.
	return ""
}

// invSummary returns an inventory message as a human-readable string.
func invSummary(invList []wire.InvVect) string {
	// No inventory.
	invLen := len(invList)
	if invLen == 0 {
		return "empty"
	}

	// One inventory item.
	if invLen == 1 {
		return fmt.Sprintf("object %s", invList[0])
	}

	// More than one inv item.
	return fmt.Sprintf("size %d", invLen)
}
