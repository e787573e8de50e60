package llm

import "strings"

// conversational rewrites, applied in order
var humanizeReplacements = [][2]string{
	{"I apologize", "I'm sorry"},
	{"As an AI", "As someone who's thinking about this"},
	{"I am unable to", "I can't"},
	{"I am not", "I'm not"},
	{"I would like to", "I'd like to"},
	{"I am happy to", "I'm happy to"},
	{"I will", "I'll"},
	{"I have", "I've"},
	{"it is", "it's"},
	{"that is", "that's"},
}

// Humanize swaps stiff phrasing for the contractions people use on a call.
func Humanize(reply string) string {
	for _, r := range humanizeReplacements {
		reply = strings.ReplaceAll(reply, r[0], r[1])
	}
	return reply
}
