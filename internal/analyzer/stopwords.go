package analyzer

// English stop words excluded from term vectors and keywords
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "any": true, "can": true,
	"had": true, "her": true, "was": true, "one": true, "our": true,
	"out": true, "has": true, "have": true, "him": true, "his": true,
	"how": true, "man": true, "new": true, "now": true, "old": true,
	"see": true, "two": true, "way": true, "who": true, "its": true,
	"did": true, "get": true, "may": true, "say": true, "she": true,
	"use": true, "that": true, "this": true, "with": true, "they": true,
	"from": true, "been": true, "were": true, "said": true, "each": true,
	"which": true, "their": true, "will": true, "other": true, "about": true,
	"many": true, "then": true, "them": true, "these": true, "some": true,
	"would": true, "into": true, "more": true, "your": true, "than": true,
	"first": true, "could": true, "also": true, "after": true, "most": true,
	"over": true, "such": true, "only": true, "when": true, "where": true,
	"what": true, "there": true, "here": true, "just": true, "like": true,
	"very": true, "should": true, "because": true, "does": true, "those": true,
	"being": true, "between": true, "both": true, "under": true, "while": true,
	"before": true, "through": true, "during": true, "without": true,
	"against": true, "however": true, "since": true, "much": true,
	"still": true, "every": true, "make": true, "made": true, "well": true,
	"even": true, "back": true, "good": true, "take": true, "year": true,
	"years": true, "time": true, "people": true, "down": true, "same": true,
}
