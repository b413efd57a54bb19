package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFAQs_Headings(t *testing.T) {
	markdown := `# FAQ

## Do you offer emergency service?
Yes, we answer calls 24/7.

## What areas do you serve?
Greater Austin and surrounding suburbs.
Including Round Rock.

## Our Story
We opened in 2005.`

	faqs := parseFAQs(markdown)
	require.Len(t, faqs, 2)

	assert.Equal(t, "Do you offer emergency service?", faqs[0].Question)
	assert.Equal(t, "Yes, we answer calls 24/7.", faqs[0].Answer)
	assert.NotEmpty(t, faqs[0].ContentHash)

	// Multi-line answers collapse to one line; the non-question heading
	// ("Our Story") starts no pair.
	assert.Equal(t, "What areas do you serve?", faqs[1].Question)
	assert.Equal(t, "Greater Austin and surrounding suburbs. Including Round Rock.", faqs[1].Answer)
}

func TestParseFAQs_InlineQuestions(t *testing.T) {
	markdown := `How much does a tune-up cost?
Most tune-ups run between $80 and $120.

Do you work weekends?
Saturdays only.`

	faqs := parseFAQs(markdown)
	require.Len(t, faqs, 2)
	assert.Equal(t, "How much does a tune-up cost?", faqs[0].Question)
	assert.Equal(t, "Saturdays only.", faqs[1].Answer)
}

func TestParseFAQs_QuestionWithoutAnswerDropped(t *testing.T) {
	faqs := parseFAQs("## Do you offer financing?\n\n## Next heading?")
	assert.Empty(t, faqs)
}

func TestParseFAQs_NoQuestions(t *testing.T) {
	assert.Empty(t, parseFAQs("# About Us\nWe fix pipes.\nCall us today."))
}

func TestFAQContentHash(t *testing.T) {
	a := faqContentHash("Do you offer financing?", "Yes, through Acme Credit.")
	// Case and whitespace differences hash identically.
	b := faqContentHash("DO YOU  offer financing?", "Yes,   through acme credit.")
	assert.Equal(t, a, b)

	c := faqContentHash("Do you offer financing?", "No.")
	assert.NotEqual(t, a, c)
}
