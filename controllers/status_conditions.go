package controllers

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	sgv1alpha1 "github.com/anvil-platform/servicegraph/api/v1alpha1"
	"github.com/anvil-platform/servicegraph/engine"
)

const (
	ServiceManifestConditionInstalled = "Installed"
	ServiceManifestConditionReady     = "Ready"

	PhasePending  = "Pending"
	PhaseInvalid  = "Invalid"
	PhaseRejected = "Rejected"
)

func setManifestCondition(sm *sgv1alpha1.ServiceManifest, condition metav1.Condition) {
	if sm == nil {
		return
	}
	condition.ObservedGeneration = sm.Generation
	meta.SetStatusCondition(&sm.Status.Conditions, condition)
}

// readyCondition maps an engine status onto the Ready condition.
func readyCondition(st engine.ServiceStatus) metav1.Condition {
	switch st.State {
	case engine.StateUp:
		return metav1.Condition{Type: ServiceManifestConditionReady, Status: metav1.ConditionTrue, Reason: "Up", Message: "Service is up"}
	case engine.StateFailed:
		msg := "Service failed"
		if st.Failure != nil {
			msg = st.Failure.Error()
		}
		return metav1.Condition{Type: ServiceManifestConditionReady, Status: metav1.ConditionFalse, Reason: "StartFailed", Message: msg}
	}
	return metav1.Condition{
		Type:    ServiceManifestConditionReady,
		Status:  metav1.ConditionFalse,
		Reason:  conditionReason(st.State),
		Message: notReadyMessage(st),
	}
}

func notReadyMessage(st engine.ServiceStatus) string {
	if len(st.Missing) > 0 {
		return fmt.Sprintf("Waiting for required dependencies: %s", strings.Join(st.Missing, ", "))
	}
	switch {
	case st.State == engine.StateDown && st.Mode == engine.ModeNever:
		return "Mode is never"
	case st.State == engine.StateDown && st.Demand == 0 && (st.Mode == engine.ModeOnDemand || st.Mode == engine.ModeLazy):
		return "Not demanded by any dependent"
	}
	return fmt.Sprintf("Service is %s", strings.ToLower(st.State.String()))
}

// conditionReason turns "STARTING" into "Starting".
func conditionReason(s engine.State) string {
	raw := strings.ToLower(s.String())
	if raw == "" {
		return "Unknown"
	}
	return strings.ToUpper(raw[:1]) + raw[1:]
}
