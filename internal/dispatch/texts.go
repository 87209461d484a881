package dispatch

import "strings"

// Texts are the fixed replies and keywords of the consent flow.
type Texts struct {
	ConsentPrompt  string
	Welcome        string
	Goodbye        string
	Apology        string
	DirectoryTitle string
	DirectoryEmpty string

	// DirectoryCommand is the message body that lists the applicant directory.
	DirectoryCommand string
	Yes              []string
	No               []string
}

func DefaultTexts() Texts {
	return Texts{
		ConsentPrompt:    "Do you want to chat with the AI? Reply 'yes' to talk to the AI or 'no' if you don't want AI replies.",
		Welcome:          "Hello, what would you like to ask? 😊",
		Goodbye:          "Okay, see you next time.",
		Apology:          "Sorry, I can't answer your question right now.",
		DirectoryTitle:   "Applicants:",
		DirectoryEmpty:   "There are no applicants yet.",
		DirectoryCommand: "list applicants",
		Yes:              []string{"yes", "ya"},
		No:               []string{"no", "tidak"},
	}
}

func matches(text string, words []string) bool {
	for _, w := range words {
		if strings.EqualFold(text, strings.TrimSpace(w)) {
			return true
		}
	}
	return false
}
