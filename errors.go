package imap

import (
	"errors"
	"fmt"
)

// AuthError is returned when the server rejects the configured credentials.
//
// Unlike transport errors, retrying without new credentials is pointless.
type AuthError struct {
	Err error
}

func (err *AuthError) Error() string {
	return fmt.Sprintf("imap: authentication failed: %v", err.Err)
}

func (err *AuthError) Unwrap() error {
	return err.Err
}

// SecurityError is returned when the configured security policy cannot be
// honored by the server, e.g. STARTTLS is required but not advertised.
type SecurityError struct {
	Msg string
}

func (err *SecurityError) Error() string {
	return "imap: security policy violated: " + err.Msg
}

// ErrFolderNotOpen is returned by folder operations that need a selected
// mailbox.
var ErrFolderNotOpen = errors.New("imap: folder is not open")

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
