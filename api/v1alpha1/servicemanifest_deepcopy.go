package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ServiceManifest) DeepCopyInto(out *ServiceManifest) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy copies the receiver, creating a new ServiceManifest.
func (in *ServiceManifest) DeepCopy() *ServiceManifest {
	if in == nil {
		return nil
	}
	out := new(ServiceManifest)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ServiceManifest) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ServiceManifestList) DeepCopyInto(out *ServiceManifestList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]ServiceManifest, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new ServiceManifestList.
func (in *ServiceManifestList) DeepCopy() *ServiceManifestList {
	if in == nil {
		return nil
	}
	out := new(ServiceManifestList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ServiceManifestList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

func (in *ServiceManifestSpec) DeepCopyInto(out *ServiceManifestSpec) {
	*out = *in
	if in.Requires != nil {
		out.Requires = make([]ServiceDependency, len(in.Requires))
		for i := range in.Requires {
			in.Requires[i].DeepCopyInto(&out.Requires[i])
		}
	}
	if in.Provides != nil {
		out.Provides = make([]ServiceOutput, len(in.Provides))
		for i := range in.Provides {
			in.Provides[i].DeepCopyInto(&out.Provides[i])
		}
	}
	if in.Config != nil {
		out.Config = make(map[string]string, len(in.Config))
		for k, v := range in.Config {
			out.Config[k] = v
		}
	}
	if in.ConfigMapRef != nil {
		ref := *in.ConfigMapRef
		out.ConfigMapRef = &ref
	}
}

func (in *ServiceManifestSpec) DeepCopy() *ServiceManifestSpec {
	if in == nil {
		return nil
	}
	out := new(ServiceManifestSpec)
	in.DeepCopyInto(out)
	return out
}

func (in *ServiceDependency) DeepCopyInto(out *ServiceDependency) {
	*out = *in
	if in.DynamicParts != nil {
		out.DynamicParts = append([]string(nil), in.DynamicParts...)
	}
}

func (in *ServiceOutput) DeepCopyInto(out *ServiceOutput) {
	*out = *in
	if in.DynamicParts != nil {
		out.DynamicParts = append([]string(nil), in.DynamicParts...)
	}
}

func (in *ServiceManifestStatus) DeepCopyInto(out *ServiceManifestStatus) {
	*out = *in
	if in.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(in.Conditions))
		for i := range in.Conditions {
			in.Conditions[i].DeepCopyInto(&out.Conditions[i])
		}
	}
}
