package v1alpha1

type DependencyMode string

// ServiceMode mirrors the engine's start modes.
type ServiceMode string

const (
	DependencyModeRequired DependencyMode = "required"
	DependencyModeOptional DependencyMode = "optional"

	ServiceModeActive   ServiceMode = "active"
	ServiceModePassive  ServiceMode = "passive"
	ServiceModeOnDemand ServiceMode = "on-demand"
	ServiceModeLazy     ServiceMode = "lazy"
	ServiceModeNever    ServiceMode = "never"
)

type ObjectRef struct {
	Name string `json:"name"`
}
