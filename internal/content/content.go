package content

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

const MaxBodyLength = 64 * 1024

var (
	policy      = bluemonday.UGCPolicy()
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and text messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateUserID checks if the user id contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New("user id cannot be empty")
	}
	if !userIDRegex.MatchString(userID) {
		return errors.New("user id contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// PrepareMessage validates a send request for its kind and turns it into an
// unpersisted message. Returned errors wrap models.ErrValidation.
func PrepareMessage(senderID string, req models.SendRequest) (models.Message, error) {
	if req.RecipientID == "" {
		return models.Message{}, invalid("recipient is required")
	}
	if req.RecipientID == senderID {
		return models.Message{}, invalid("cannot send a message to yourself")
	}

	kind := req.Kind
	if kind == "" {
		kind = models.MessageKindText
	}
	if !kind.Valid() {
		return models.Message{}, invalid("unknown message kind %q", kind)
	}
	if len(req.Body) > MaxBodyLength {
		return models.Message{}, invalid("body exceeds %d bytes", MaxBodyLength)
	}
	if !utf8.ValidString(req.Body) {
		return models.Message{}, invalid("body is not valid UTF-8")
	}

	msg := models.Message{
		ClientMessageID: req.ClientMessageID,
		SenderID:        senderID,
		RecipientID:     req.RecipientID,
		Body:            req.Body,
		Kind:            kind,
	}

	switch kind {
	case models.MessageKindText:
		msg.Body = strings.TrimSpace(Sanitize(req.Body))
		if msg.Body == "" {
			return models.Message{}, invalid("message is empty")
		}
	case models.MessageKindCode:
		if strings.TrimSpace(req.Body) == "" {
			return models.Message{}, invalid("code snippet is empty")
		}
		if req.Metadata != nil && req.Metadata.Language != "" {
			msg.Metadata = &models.KindMetadata{Language: req.Metadata.Language}
		}
	case models.MessageKindTerminal:
		if req.Metadata == nil || strings.TrimSpace(req.Metadata.Command) == "" {
			return models.Message{}, invalid("terminal message requires a command")
		}
		msg.Metadata = &models.KindMetadata{Command: req.Metadata.Command}
	case models.MessageKindImage, models.MessageKindFile:
		if req.Metadata == nil || len(req.Metadata.Files) == 0 {
			return models.Message{}, invalid("%s message requires at least one file", kind)
		}
		files := make([]models.FileDescriptor, 0, len(req.Metadata.Files))
		for _, f := range req.Metadata.Files {
			if f.URL == "" {
				return models.Message{}, invalid("file %q has no url", f.Name)
			}
			if kind == models.MessageKindImage && f.MimeType != "" && !strings.HasPrefix(f.MimeType, "image/") {
				return models.Message{}, invalid("file %q is not an image", f.Name)
			}
			f.Name = Sanitize(f.Name)
			files = append(files, f)
		}
		msg.Body = strings.TrimSpace(Sanitize(req.Body))
		msg.Metadata = &models.KindMetadata{Files: files}
	}

	return msg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrValidation, fmt.Sprintf(format, args...))
}
