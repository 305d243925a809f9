package types

// Analysis field names follow the camelCase schema the model is prompted
// with, so a marshalled Analysis is itself a valid flat-shape response.
type Analysis struct {
	BusinessType    string         `json:"businessType"`
	CustomerInfo    CustomerInfo   `json:"customerInfo"`
	FollowUpPlan    string         `json:"followUpPlan"`
	CustomerProfile []string       `json:"customerProfile"`
	OptionalFields  OptionalFields `json:"optionalFields"`
	Provenance      Provenance     `json:"provenance,omitempty"`
}

type CustomerInfo struct {
	Name       string `json:"name"`
	CustomerID string `json:"customerId"`
}

type OptionalFields struct {
	DemandStimulation  string `json:"demandStimulation"`
	ObjectionHandling  string `json:"objectionHandling"`
	CustomerTouchPoint string `json:"customerTouchPoint"`
	FailureReview      string `json:"failureReview"`
	ExtendedThinking   string `json:"extendedThinking"`
}

// WithDefaults fills every empty field with its sentinel.
func (a Analysis) WithDefaults() Analysis {
	if a.BusinessType == "" {
		a.BusinessType = DefaultBusinessType
	}
	a.CustomerInfo.Name = orNotMentioned(a.CustomerInfo.Name)
	a.CustomerInfo.CustomerID = orNotMentioned(a.CustomerInfo.CustomerID)
	a.FollowUpPlan = orNotMentioned(a.FollowUpPlan)
	if len(a.CustomerProfile) == 0 {
		a.CustomerProfile = []string{NotMentioned}
	}
	o := &a.OptionalFields
	o.DemandStimulation = orNotMentioned(o.DemandStimulation)
	o.ObjectionHandling = orNotMentioned(o.ObjectionHandling)
	o.CustomerTouchPoint = orNotMentioned(o.CustomerTouchPoint)
	o.FailureReview = orNotMentioned(o.FailureReview)
	o.ExtendedThinking = orNotMentioned(o.ExtendedThinking)
	return a
}

func orNotMentioned(s string) string {
	if s == "" {
		return NotMentioned
	}
	return s
}
