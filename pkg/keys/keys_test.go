package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pario-ai/genrelay/pkg/models"
)

func TestComputeIgnoresOptionOrder(t *testing.T) {
	a := models.Params{Subject: "AI", Style: "confrontational", Options: map[string]string{}}
	a.Options["temperature"] = "0.7"
	a.Options["language"] = "en"

	b := models.Params{Subject: "AI", Style: "confrontational", Options: map[string]string{}}
	b.Options["language"] = "en"
	b.Options["temperature"] = "0.7"

	assert.Equal(t, Compute(a), Compute(b))
}

func TestComputeIgnoresVolatileFields(t *testing.T) {
	a := models.Params{Subject: "AI", Style: "witty", RequestID: "r1", SubmittedAt: time.Now()}
	b := models.Params{Subject: "AI", Style: "witty", RequestID: "r2", SubmittedAt: time.Now().Add(time.Hour)}
	assert.Equal(t, Compute(a), Compute(b))
}

func TestComputeTrimsWhitespace(t *testing.T) {
	a := models.Params{Subject: " AI ", Style: "witty ", Model: " gpt-4o", Options: map[string]string{" seed ": " 7 "}}
	b := models.Params{Subject: "AI", Style: "witty", Model: "gpt-4o", Options: map[string]string{"seed": "7"}}
	assert.Equal(t, Compute(a), Compute(b))
}

func TestComputeKeepsCase(t *testing.T) {
	base := models.Params{Subject: "AI", Style: "witty", Model: "gpt-4o", Options: map[string]string{"temperature": "0.9"}}
	variants := []models.Params{
		{Subject: "AI", Style: "WITTY", Model: "gpt-4o", Options: map[string]string{"temperature": "0.9"}},
		{Subject: "AI", Style: "witty", Model: "GPT-4O", Options: map[string]string{"temperature": "0.9"}},
		{Subject: "AI", Style: "witty", Model: "gpt-4o", Options: map[string]string{"Temperature": "0.9"}},
	}
	for _, v := range variants {
		assert.NotEqual(t, Compute(base), Compute(v), "%+v", v)
	}
}

func TestComputeCaseDistinctOptionNames(t *testing.T) {
	both := models.Params{Subject: "AI", Options: map[string]string{"Temperature": "1", "temperature": "0.2"}}
	lower := models.Params{Subject: "AI", Options: map[string]string{"temperature": "0.2"}}
	upper := models.Params{Subject: "AI", Options: map[string]string{"Temperature": "1"}}

	assert.NotEqual(t, Compute(both), Compute(lower))
	assert.NotEqual(t, Compute(both), Compute(upper))
	assert.NotEqual(t, Compute(lower), Compute(upper))
	for i := 0; i < 20; i++ {
		assert.Equal(t, Compute(both), Compute(both))
	}
}

func TestNormalize(t *testing.T) {
	in := models.Params{
		Subject: "  AI ",
		Style:   " Witty",
		Options: map[string]string{"tone ": "dry", " tone": "loud", "Seed": " 3 "},
	}
	got := Normalize(in)

	assert.Equal(t, "AI", got.Subject)
	assert.Equal(t, "Witty", got.Style)
	// " tone" sorts before "tone ", so its value wins.
	assert.Equal(t, map[string]string{"tone": "loud", "Seed": "3"}, got.Options)
	assert.Equal(t, " 3 ", in.Options["Seed"], "caller's map must not change")
	assert.Equal(t, Compute(in), Compute(got))
}

func TestComputeDistinguishesOutputFields(t *testing.T) {
	base := models.Params{Subject: "AI", Style: "witty", Model: "gpt-4o"}
	variants := []models.Params{
		{Subject: "ML", Style: "witty", Model: "gpt-4o"},
		{Subject: "AI", Style: "formal", Model: "gpt-4o"},
		{Subject: "AI", Style: "witty", Model: "gpt-4o-mini"},
		{Subject: "AI", Style: "witty", Model: "gpt-4o", Options: map[string]string{"temperature": "1"}},
	}
	for _, v := range variants {
		assert.NotEqual(t, Compute(base), Compute(v), "%+v", v)
	}
}

func TestComputeNoFieldCollision(t *testing.T) {
	// A subject that looks like a serialized pair must not collide with a real option.
	a := models.Params{Subject: `AI","opt.x`, Style: "witty"}
	b := models.Params{Subject: "AI", Style: "witty", Options: map[string]string{"x": ""}}
	assert.NotEqual(t, Compute(a), Compute(b))
}
