package proto

import (
	"fmt"
	"strings"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/queue"
	"github.com/eddyem/canserver/internal/registry"
)

// Replies sent back on the issuing connection.
const (
	ReplyOK           = "OK"
	ReplyWrongCANID   = "Wrong CANID"
	ReplyNotFound     = "Thread not found"
	ReplyCantSend     = "Can't send message"
	ReplyWrongCommand = "Wrong command"
	ReplyExists       = "Thread exists"
	ReplyUnknownRole  = "Unknown role"
	ReplyWrongSpeed   = "Wrong speed"
)

// SpeedSetter changes the CAN bus bitrate; the CAN supervisor
// implements it and remembers the value for reconnects.
type SpeedSetter interface {
	SetSpeed(kbaud int) error
}

// Router dispatches client command lines to registry operations or
// worker command queues.
type Router struct {
	Registry  *registry.Registry
	Broadcast *queue.Queue[string]
	Speed     SpeedSetter
}

// Process handles one command line and returns the reply to send to
// the issuing client, or "" when the command answers over the
// broadcast bus only.
//
// Grammar:
//
//	list
//	register <name> <id> <role>
//	unregister <name>
//	mesg <name> <payload...>
//	speed <kbaud>
func (r *Router) Process(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	switch cmd {
	case "list":
		for _, w := range r.Registry.Iter() {
			r.Broadcast.Push(fmt.Sprintf("%s id=0x%03X role=%s", w.Name, w.ID, w.Role))
		}
		return ""
	case "register":
		if len(fields) != 4 {
			return ReplyWrongCommand
		}
		id, err := ParseNum(fields[2])
		if err != nil || id < 0 || id > can.SFFMask {
			return ReplyWrongCANID
		}
		_, err = r.Registry.Register(fields[1], int(id), fields[3])
		switch err {
		case nil:
			return ReplyOK
		case registry.ErrUnknownRole:
			return ReplyUnknownRole
		case registry.ErrDuplicateName, registry.ErrDuplicateID:
			return ReplyExists
		default:
			return ReplyWrongCommand
		}
	case "unregister":
		if len(fields) != 2 {
			return ReplyWrongCommand
		}
		if err := r.Registry.Unregister(fields[1]); err != nil {
			return ReplyNotFound
		}
		return ReplyOK
	case "mesg":
		if len(fields) < 2 {
			return ReplyWrongCommand
		}
		w := r.Registry.FindByName(fields[1])
		if w == nil {
			return ReplyNotFound
		}
		// Hand the remainder of the line over; the worker parser owns
		// its syntax.
		payload := strings.Join(fields[2:], " ")
		if payload == "" {
			return ReplyCantSend
		}
		w.Commands.Push(payload)
		return ReplyOK
	case "speed":
		if len(fields) != 2 {
			return ReplyWrongCommand
		}
		kbaud, err := ParseNum(fields[1])
		if err != nil {
			return ReplyWrongSpeed
		}
		if err := r.Speed.SetSpeed(int(kbaud)); err != nil {
			logging.L().Warn("speed_change_failed", "kbaud", kbaud, "error", err)
			return ReplyWrongSpeed
		}
		return ReplyOK
	}
	return ReplyWrongCommand
}
