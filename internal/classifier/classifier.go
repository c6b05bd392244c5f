// Package classifier assigns category, priority and sentiment to messages
// and evaluates user filter rules against them.
package classifier

import (
	"strings"

	"renewal-mail-engine/internal/model"
)

// Classification is the outcome of Classify
type Classification struct {
	Category  string `json:"category"`
	Priority  string `json:"priority"`
	Sentiment string `json:"sentiment"`
}

type categoryRule struct {
	category  string
	priority  string
	sentiment string
	keywords  []string
}

// cascade is evaluated in order; the first rule with a keyword hit wins
var cascade = []categoryRule{
	{
		category:  model.CategoryRefund,
		priority:  model.PriorityHigh,
		sentiment: model.SentimentNeutral,
		keywords:  []string{"refund", "money back", "reimbursement", "wrong charge", "deducted"},
	},
	{
		category:  model.CategoryComplaint,
		priority:  model.PriorityHigh,
		sentiment: model.SentimentNegative,
		keywords:  []string{"complaint", "angry", "issue", "bad service", "fail", "disappointed"},
	},
	{
		category:  model.CategoryAppointment,
		priority:  model.PriorityNormal,
		sentiment: model.SentimentNeutral,
		keywords:  []string{"appointment", "schedule", "meeting", "book a call", "visit", "calendar"},
	},
	{
		category:  model.CategoryFeedback,
		priority:  model.PriorityLow,
		sentiment: model.SentimentPositive,
		keywords:  []string{"feedback", "review", "suggestion", "opinion", "rate", "star"},
	},
}

// Default is returned when no keyword matches
var Default = Classification{
	Category:  model.CategoryUncategorized,
	Priority:  model.PriorityNormal,
	Sentiment: model.SentimentNeutral,
}

// Classify is a pure function of subject and body
func Classify(subject, body string) Classification {
	text := strings.ToLower(subject + " " + body)
	for _, rule := range cascade {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return Classification{
					Category:  rule.category,
					Priority:  rule.priority,
					Sentiment: rule.sentiment,
				}
			}
		}
	}
	return Default
}
