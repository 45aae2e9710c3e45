package registry

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/petal-labs/trialflow"
)

// ListeningName is the registry name of the built-in listening test.
const ListeningName = "listening"

// Listening is a rating experiment over nonsense words. Each condition
// rates its own word list plus shared distractors; the main section has a
// global deadline that the exit questionnaire lifts.
type Listening struct {
	// MainTimeout bounds the main rating section.
	MainTimeout time.Duration

	// TrainingTrials is the number of practice ratings.
	TrainingTrials int

	stims    map[string][]stim
	training []stim
}

type stim struct {
	sound string
	orth  string
}

func (s stim) String() string {
	return s.sound + ":" + s.orth
}

// NewListening returns the listening test with its default parameters.
func NewListening() *Listening {
	return &Listening{
		MainTimeout:    20 * time.Minute,
		TrainingTrials: 4,
		stims: map[string][]stim{
			"A": {{"a01.wav", "blick"}, {"a02.wav", "frum"}, {"a03.wav", "plentix"}, {"a04.wav", "zorp"}},
			"B": {{"b01.wav", "bnick"}, {"b02.wav", "ftum"}, {"b03.wav", "pkentix"}, {"b04.wav", "zdorp"}},
			"D": {{"d01.wav", "mabble"}, {"d02.wav", "tessin"}},
		},
		training: []stim{
			{"t01.wav", "gorb"}, {"t02.wav", "lindle"}, {"t03.wav", "snarp"},
			{"t04.wav", "vimmet"}, {"t05.wav", "quisp"},
		},
	}
}

var qnaireQuestions = [][]string{
	{"radio", "What is your age range?", "18-24", "25-34", "35-44", "45-54", "55-64", "65 and older"},
	{"shorttext", "What is your native language?"},
	{"shorttext", `List any other languages you speak (to any level of ability); answer "none" if no other languages`},
	{"shorttext", "Briefly describe any prior experience with or knowledge of linguistics you have"},
}

var exitQuestions = [][]string{
	{"text", "Please describe the process you used when making judgments about the nonsense words in as much detail as possible."},
}

// Name implements trialflow.Experiment.
func (l *Listening) Name() string { return ListeningName }

// Conditions implements trialflow.Experiment.
func (l *Listening) Conditions() []string { return []string{"A", "B"} }

// Ordering shuffles the condition's words together with the distractors.
// A profile stores the orthographic forms, one per line.
func (l *Listening) Ordering(condition string, rng *rand.Rand) []string {
	var out []string
	for _, s := range l.pool(condition) {
		out = append(out, s.orth)
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (l *Listening) pool(condition string) []stim {
	return append(append([]stim(nil), l.stims[condition]...), l.stims["D"]...)
}

// Intro implements trialflow.Experiment. Assignment waits for consent.
func (l *Listening) Intro(b *trialflow.Builder) trialflow.Task {
	return b.Start(trialflow.Welcome("")).Then(trialflow.Consent(""))
}

// Main implements trialflow.Experiment.
func (l *Listening) Main(b *trialflow.Builder, from trialflow.Task) {
	p := b.Profile()
	rng := b.Rand()

	t := from.ThenAll(
		trialflow.Page("instruct_qnaire"),
		trialflow.Page("qnaire").WithVars(map[string]any{"questions": qnaireQuestions}),
		trialflow.Page("instruct_training"),
	)

	training := append([]stim(nil), l.training...)
	rng.Shuffle(len(training), func(i, j int) { training[i], training[j] = training[j], training[i] })
	for i, s := range training[:min(l.TrainingTrials, len(training))] {
		t = t.Then(rating(s, i == 0))
	}

	t = t.Then(trialflow.Page("instruct_main"))
	sounds := make(map[string]string)
	for _, s := range l.pool(p.Condition) {
		sounds[s.orth] = s.sound
	}
	for i, orth := range p.Ordering {
		spec := rating(stim{sound: sounds[orth], orth: orth}, false)
		if i == 0 {
			spec = spec.WithTimeout(l.MainTimeout)
		}
		t = t.Then(spec)
	}

	code := completionCode(rng)
	t.ThenAll(
		trialflow.Page("exit_qnaire").
			WithVars(map[string]any{"questions": exitQuestions}).
			DisableTimeout(),
		trialflow.Thankyou().WithVars(map[string]any{"completion_code": code}),
	)
}

func rating(s stim, showPrompt bool) trialflow.TaskSpec {
	return trialflow.Page("rating").
		WithVars(map[string]any{"sound": s.sound, "orth": s.orth, "show_prompt": showPrompt}).
		WithExtra(map[string]any{"stim": s.String()}).
		WithDummy(4)
}

// completionCode derives the code a participant reports back to the
// recruitment platform. It comes from the profile's random source so a
// resumed session shows the same code.
func completionCode(rng *rand.Rand) string {
	return strings.ToUpper(fmt.Sprintf("%016x", rng.Uint64()))
}
