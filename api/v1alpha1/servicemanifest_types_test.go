package v1alpha1

import (
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

func TestServiceManifestDeepCopyIsIndependent(t *testing.T) {
	in := &ServiceManifest{
		ObjectMeta: metav1.ObjectMeta{Name: "ds", Labels: map[string]string{"a": "b"}},
		Spec: ServiceManifestSpec{
			ServiceName:  "jboss.data-source.ExampleDS",
			Requires:     []ServiceDependency{{Capability: "org.wildfly.transactions", DynamicParts: []string{"tx"}}},
			Provides:     []ServiceOutput{{Capability: "org.wildfly.data-source", DynamicParts: []string{"ExampleDS"}, Version: "1.0.0"}},
			Config:       map[string]string{"url": "jdbc:h2:mem"},
			ConfigMapRef: &ObjectRef{Name: "ds-config"},
		},
		Status: ServiceManifestStatus{Conditions: []metav1.Condition{{Type: "Ready"}}},
	}

	out := in.DeepCopy()
	out.Labels["a"] = "changed"
	out.Spec.Requires[0].DynamicParts[0] = "changed"
	out.Spec.Provides[0].DynamicParts[0] = "changed"
	out.Spec.Config["url"] = "changed"
	out.Spec.ConfigMapRef.Name = "changed"
	out.Status.Conditions[0].Type = "changed"

	if in.Labels["a"] != "b" ||
		in.Spec.Requires[0].DynamicParts[0] != "tx" ||
		in.Spec.Provides[0].DynamicParts[0] != "ExampleDS" ||
		in.Spec.Config["url"] != "jdbc:h2:mem" ||
		in.Spec.ConfigMapRef.Name != "ds-config" ||
		in.Status.Conditions[0].Type != "Ready" {
		t.Fatalf("deep copy shares memory with the original: %+v", in)
	}
}

func TestAddToSchemeRegistersKinds(t *testing.T) {
	scheme := runtime.NewScheme()
	if err := AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	for _, kind := range []string{"ServiceManifest", "ServiceManifestList"} {
		if !scheme.Recognizes(GroupVersion.WithKind(kind)) {
			t.Fatalf("scheme does not recognize %s", kind)
		}
	}
}
