package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ServiceManifest declares one service, its dependencies and what it provides.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=svcm
// +kubebuilder:printcolumn:name="Service",type=string,JSONPath=`.spec.serviceName`
// +kubebuilder:printcolumn:name="Mode",type=string,JSONPath=`.spec.mode`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type ServiceManifest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ServiceManifestSpec   `json:"spec"`
	Status ServiceManifestStatus `json:"status,omitempty"`
}

type ServiceManifestSpec struct {
	// ServiceName is the dot-separated engine name, e.g. "jboss.data-source.ExampleDS".
	ServiceName string      `json:"serviceName"`
	Mode        ServiceMode `json:"mode,omitempty"`
	// Type selects the runnable from the catalog the process was built with.
	Type     string              `json:"type,omitempty"`
	Requires []ServiceDependency `json:"requires,omitempty"`
	Provides []ServiceOutput     `json:"provides,omitempty"`
	Config   map[string]string   `json:"config,omitempty"`
	// ConfigMapRef names a ConfigMap in the manifest's namespace whose data is
	// merged under Config. Only the reconciler resolves it.
	ConfigMapRef *ObjectRef `json:"configMapRef,omitempty"`
}

// ServiceDependency targets either a service name or a capability.
type ServiceDependency struct {
	Name              string         `json:"name,omitempty"`
	Capability        string         `json:"capability,omitempty"`
	DynamicParts      []string       `json:"dynamicParts,omitempty"`
	VersionConstraint string         `json:"versionConstraint,omitempty"`
	DependencyMode    DependencyMode `json:"dependencyMode,omitempty"`
}

type ServiceOutput struct {
	Name         string   `json:"name,omitempty"`
	Capability   string   `json:"capability,omitempty"`
	DynamicParts []string `json:"dynamicParts,omitempty"`
	Version      string   `json:"version,omitempty"`
}

type ServiceManifestStatus struct {
	Phase              string             `json:"phase,omitempty"`
	Message            string             `json:"message,omitempty"`
	ObservedGeneration int64              `json:"observedGeneration,omitempty"`
	Conditions         []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
type ServiceManifestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ServiceManifest `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ServiceManifest{}, &ServiceManifestList{})
}
