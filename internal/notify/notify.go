// Package notify is the seam for transient user-facing notices. The
// daemon writes them to the log; tests substitute a recorder.
package notify

import (
	"fmt"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"
)

// Notifier delivers one-shot user-facing notices.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// LogNotifier writes notices to the application log.
type LogNotifier struct{}

func (LogNotifier) Info(msg string) {
	log.Info().Str("notice", msg).Msg("notification")
}

func (LogNotifier) Error(msg string) {
	log.Error().Str("notice", msg).Msg("notification")
}

var signInPromptTemplate = strings.TrimSpace(dedent.Dedent(`
	To sign in, open the following page in a browser:

	    %s

	and enter the code: %s
`))

// SignInPrompt formats the device-authorization prompt shown to the user
// during sign-in.
func SignInPrompt(verificationURI, userCode string) string {
	return fmt.Sprintf(signInPromptTemplate, verificationURI, userCode)
}
