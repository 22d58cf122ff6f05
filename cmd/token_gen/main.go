// token_gen is a developer utility for minting a session bearer token
// against a local proctorsvc without running through the start() flow,
// useful for exercising submit_answer/submit/log_event/stream by hand.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/technosupport/proctorkernel/internal/tokens"
)

func main() {
	sessionID := flag.String("session", "00000000-0000-0000-0000-000000000002", "session id")
	candidateID := flag.String("candidate", "00000000-0000-0000-0000-000000000003", "candidate id")
	examID := flag.String("exam", "00000000-0000-0000-0000-000000000001", "exam id")
	ttl := flag.Duration("ttl", 2*time.Hour, "token lifetime")
	resume := flag.Bool("resume", false, "mint a resume token instead of a session token")
	out := flag.String("out", "", "write the token to this file instead of stdout")
	flag.Parse()

	signingKey := os.Getenv("JWT_SIGNING_KEY")
	if signingKey == "" {
		signingKey = "dev-secret-do-not-use-in-prod"
	}
	mgr := tokens.NewManager(signingKey)

	var (
		token string
		err   error
	)
	if *resume {
		token, err = mgr.GenerateResumeToken(*sessionID, *candidateID, *examID)
	} else {
		token, err = mgr.GenerateSessionToken(*sessionID, *candidateID, *examID, *ttl)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "token generation failed: %v\n", err)
		os.Exit(1)
	}

	if *out != "" {
		if err := os.WriteFile(*out, []byte(token), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write token file failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Println(token)
}
