package registry

import "github.com/petal-labs/trialflow"

// registerBuiltins registers the experiments shipped with TrialFlow.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.Register(ExperimentDef{
		Name:        ListeningName,
		DisplayName: "Nonsense word listening test",
		Description: "Consent, questionnaire, training and rating of nonsense words with a timed main section",
		New:         func() trialflow.Experiment { return NewListening() },
	})
}
