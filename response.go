package imap

import (
	"fmt"
	"strings"
)

// StatusResponseType is a generic status response type.
type StatusResponseType string

const (
	StatusResponseTypeOK      StatusResponseType = "OK"
	StatusResponseTypeNo      StatusResponseType = "NO"
	StatusResponseTypeBad     StatusResponseType = "BAD"
	StatusResponseTypePreAuth StatusResponseType = "PREAUTH"
	StatusResponseTypeBye     StatusResponseType = "BYE"
)

// ResponseCode is a response code.
type ResponseCode string

const (
	ResponseCodeAlert                ResponseCode = "ALERT"
	ResponseCodeAuthenticationFailed ResponseCode = "AUTHENTICATIONFAILED"
	ResponseCodeCapability           ResponseCode = "CAPABILITY"
	ResponseCodePermanentFlags       ResponseCode = "PERMANENTFLAGS"
	ResponseCodeReadOnly             ResponseCode = "READ-ONLY"
	ResponseCodeReadWrite            ResponseCode = "READ-WRITE"
	ResponseCodeTryCreate            ResponseCode = "TRYCREATE"
	ResponseCodeUIDNext              ResponseCode = "UIDNEXT"
	ResponseCodeUIDValidity          ResponseCode = "UIDVALIDITY"

	// UIDPLUS
	ResponseCodeAppendUID ResponseCode = "APPENDUID"
	ResponseCodeCopyUID   ResponseCode = "COPYUID"
)

// SensitiveCommand replaces the text of commands carrying credentials in
// logs and errors.
const SensitiveCommand = "*sensitive*"

// Error is an IMAP error caused by a tagged status response other than OK.
type Error struct {
	Type StatusResponseType
	Code ResponseCode
	Text string

	// Alert is the human-readable text of an ALERT response code, if the
	// server sent one while the command was running.
	Alert string
	// Command is the command line the server rejected, or SensitiveCommand.
	Command string
}

var _ error = (*Error)(nil)

// Error implements the error interface.
func (err *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "imap: %v", err.Type)
	if err.Code != "" {
		fmt.Fprintf(&sb, " [%v]", err.Code)
	}
	text := err.Text
	if text == "" {
		text = "<unknown>"
	}
	fmt.Fprintf(&sb, " %v", text)
	if err.Command != "" {
		fmt.Fprintf(&sb, " (command: %v)", err.Command)
	}
	return sb.String()
}
