package controllers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	sgv1alpha1 "github.com/anvil-platform/servicegraph/api/v1alpha1"
	"github.com/anvil-platform/servicegraph/engine"
	"github.com/anvil-platform/servicegraph/internal/manifest"
)

const (
	controllerServiceManifest = "ServiceManifest"

	configMapRefIndex = ".spec.configMapRef.name"

	// transitionRequeue backs up the engine event channel while a service is
	// starting or stopping.
	transitionRequeue = 5 * time.Second

	// rejectedRequeue retries conflicting manifests whose removal event was
	// dropped.
	rejectedRequeue = time.Minute
)

// ServiceManifestReconciler installs ServiceManifests into an in-process
// engine and reports the engine state back on the manifest status.
//
// RBAC:
// +kubebuilder:rbac:groups=servicegraph.anvil.dev,resources=servicemanifests,verbs=get;list;watch
// +kubebuilder:rbac:groups=servicegraph.anvil.dev,resources=servicemanifests/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch;update
type ServiceManifestReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Engine   *engine.Container
	Syncer   *manifest.Syncer

	events chan event.GenericEvent

	// rejected holds keys refused for a conflict with another manifest.
	// They are retried whenever a service is removed.
	rejectedMu sync.Mutex
	rejected   map[string]struct{}
}

func manifestKey(nn types.NamespacedName) string { return nn.String() }

func (r *ServiceManifestReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	servicegraphControllerReconcileTotal.WithLabelValues(controllerServiceManifest).Inc()

	logger := log.FromContext(ctx).WithValues(
		"controller", controllerServiceManifest,
		"namespace", req.Namespace,
		"manifest", req.Name,
	)
	key := manifestKey(req.NamespacedName)

	var sm sgv1alpha1.ServiceManifest
	if err := r.Get(ctx, req.NamespacedName, &sm); err != nil {
		if apierrors.IsNotFound(err) {
			r.setRejected(key, false)
			if name, ok := r.Syncer.Delete(key); ok {
				logger.Info("manifest deleted; removing service", "service", name.String())
			}
			return ctrl.Result{}, nil
		}
		servicegraphControllerReconcileErrorTotal.WithLabelValues(controllerServiceManifest).Inc()
		return ctrl.Result{}, err
	}
	if !sm.DeletionTimestamp.IsZero() {
		r.setRejected(key, false)
		r.Syncer.Delete(key)
		return ctrl.Result{}, nil
	}
	logger = logger.WithValues("service", sm.Spec.ServiceName)

	desired := sm.DeepCopy()
	if ref := sm.Spec.ConfigMapRef; ref != nil {
		var cm corev1.ConfigMap
		if err := r.Get(ctx, types.NamespacedName{Namespace: sm.Namespace, Name: ref.Name}, &cm); err != nil {
			if apierrors.IsNotFound(err) {
				msg := fmt.Sprintf("ConfigMap %q not found", ref.Name)
				if perr := r.patchStatus(ctx, &sm, PhasePending, msg,
					metav1.Condition{Type: ServiceManifestConditionInstalled, Status: metav1.ConditionFalse, Reason: "ConfigMapNotFound", Message: msg},
				); perr != nil {
					logger.Error(perr, "failed to patch manifest status")
				}
				r.recordEventf(&sm, corev1.EventTypeWarning, "ConfigMapNotFound", "ConfigMap %q not found", ref.Name)
				// The ConfigMap watch brings us back once it exists.
				return ctrl.Result{}, nil
			}
			servicegraphControllerReconcileErrorTotal.WithLabelValues(controllerServiceManifest).Inc()
			return ctrl.Result{}, err
		}
		desired.Spec.Config = mergeConfig(cm.Data, sm.Spec.Config)
	}

	start := time.Now()
	res, err := r.Syncer.Apply(ctx, key, desired)
	serviceManifestApplyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, engine.ErrContainerClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			servicegraphControllerReconcileErrorTotal.WithLabelValues(controllerServiceManifest).Inc()
			return ctrl.Result{}, err
		}
		phase, reason := rejectionReason(res, key, err)
		r.setRejected(key, phase == PhaseRejected)
		serviceManifestRejectedTotal.WithLabelValues(reason).Inc()
		logger.Info("manifest not installed", "reason", reason, "error", err.Error())
		if perr := r.patchStatus(ctx, &sm, phase, err.Error(),
			metav1.Condition{Type: ServiceManifestConditionInstalled, Status: metav1.ConditionFalse, Reason: reason, Message: err.Error()},
			metav1.Condition{Type: ServiceManifestConditionReady, Status: metav1.ConditionFalse, Reason: "NotInstalled", Message: "Service is not installed"},
		); perr != nil {
			logger.Error(perr, "failed to patch manifest status")
		}
		r.recordEventf(&sm, corev1.EventTypeWarning, reason, "Service %s not installed: %v", sm.Spec.ServiceName, err)
		if phase == PhaseRejected {
			// Retried early when any service is removed.
			return ctrl.Result{RequeueAfter: rejectedRequeue}, nil
		}
		// Terminal until the manifest changes.
		return ctrl.Result{}, nil
	}
	r.setRejected(key, false)
	switch {
	case len(res.Installed) > 0:
		r.recordEventf(&sm, corev1.EventTypeNormal, "Installed", "Service %s installed", sm.Spec.ServiceName)
	case len(res.Reinstalled) > 0:
		r.recordEventf(&sm, corev1.EventTypeNormal, "Reinstalled", "Service %s reinstalled", sm.Spec.ServiceName)
	}

	name, ok := r.Syncer.Name(key)
	if !ok {
		return ctrl.Result{}, fmt.Errorf("service for %s is not tracked after apply", key)
	}
	st, ok := r.Engine.Status(name)
	if !ok {
		// Removed between Apply and now; the next event reinstalls it.
		return ctrl.Result{Requeue: true}, nil
	}
	if err := r.patchStatus(ctx, &sm, st.State.String(), readyCondition(st).Message,
		metav1.Condition{Type: ServiceManifestConditionInstalled, Status: metav1.ConditionTrue, Reason: "Installed", Message: fmt.Sprintf("Installed as %s", name)},
		readyCondition(st),
	); err != nil {
		servicegraphControllerReconcileErrorTotal.WithLabelValues(controllerServiceManifest).Inc()
		return ctrl.Result{}, err
	}
	if st.State == engine.StateStarting || st.State == engine.StateStopping {
		return ctrl.Result{RequeueAfter: transitionRequeue}, nil
	}
	return ctrl.Result{}, nil
}

func rejectionReason(res *manifest.Result, key string, err error) (phase, reason string) {
	if res != nil {
		if _, ok := res.Invalid[key]; ok {
			return PhaseInvalid, "InvalidManifest"
		}
	}
	switch {
	case errors.Is(err, engine.ErrInvalidDeclaration):
		return PhaseInvalid, "InvalidManifest"
	case errors.Is(err, engine.ErrDuplicateServiceName):
		return PhaseRejected, "DuplicateServiceName"
	case errors.Is(err, engine.ErrDuplicateCapability):
		return PhaseRejected, "DuplicateCapability"
	case errors.Is(err, engine.ErrCyclicRequiredDependency):
		return PhaseRejected, "CyclicDependency"
	}
	return PhaseRejected, "InstallFailed"
}

// mergeConfig layers the manifest's own config over ConfigMap data.
func mergeConfig(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (r *ServiceManifestReconciler) patchStatus(ctx context.Context, sm *sgv1alpha1.ServiceManifest, phase, message string, conds ...metav1.Condition) error {
	before := sm.DeepCopy()
	sm.Status.ObservedGeneration = sm.Generation
	sm.Status.Phase = phase
	sm.Status.Message = message
	for _, c := range conds {
		setManifestCondition(sm, c)
	}
	return r.Status().Patch(ctx, sm, client.MergeFrom(before))
}

func (r *ServiceManifestReconciler) recordEventf(obj client.Object, eventType, reason, messageFmt string, args ...any) {
	if r.Recorder == nil || obj == nil {
		return
	}
	r.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

// enqueueTransition is the engine listener. It runs on an engine worker, so
// it never blocks; a full channel is covered by transitionRequeue and
// rejectedRequeue.
func (r *ServiceManifestReconciler) enqueueTransition(ev engine.Event) {
	if ev.To == engine.StateRemoved {
		// The removal freed names and capabilities a rejected manifest may
		// have conflicted with.
		for _, key := range r.rejectedKeys() {
			r.enqueueKey(key)
		}
	}
	if key, ok := r.Syncer.Key(ev.Name); ok {
		r.enqueueKey(key)
	}
}

func (r *ServiceManifestReconciler) enqueueKey(key string) {
	ns, name, ok := strings.Cut(key, string(types.Separator))
	if !ok {
		return
	}
	obj := &sgv1alpha1.ServiceManifest{ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name}}
	select {
	case r.events <- event.GenericEvent{Object: obj}:
	default:
	}
}

func (r *ServiceManifestReconciler) setRejected(key string, rejected bool) {
	r.rejectedMu.Lock()
	defer r.rejectedMu.Unlock()
	if !rejected {
		delete(r.rejected, key)
		return
	}
	if r.rejected == nil {
		r.rejected = make(map[string]struct{})
	}
	r.rejected[key] = struct{}{}
}

func (r *ServiceManifestReconciler) rejectedKeys() []string {
	r.rejectedMu.Lock()
	defer r.rejectedMu.Unlock()
	keys := make([]string, 0, len(r.rejected))
	for k := range r.rejected {
		keys = append(keys, k)
	}
	return keys
}

// manifestsForConfigMap enqueues manifests referencing a ConfigMap.
func (r *ServiceManifestReconciler) manifestsForConfigMap(ctx context.Context, obj client.Object) []reconcile.Request {
	var list sgv1alpha1.ServiceManifestList
	if err := r.List(ctx, &list,
		client.InNamespace(obj.GetNamespace()),
		client.MatchingFields{configMapRefIndex: obj.GetName()},
	); err != nil {
		return nil
	}
	out := make([]reconcile.Request, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, reconcile.Request{NamespacedName: client.ObjectKeyFromObject(&list.Items[i])})
	}
	return out
}

func indexConfigMapRef(obj client.Object) []string {
	sm, ok := obj.(*sgv1alpha1.ServiceManifest)
	if !ok || sm.Spec.ConfigMapRef == nil || sm.Spec.ConfigMapRef.Name == "" {
		return nil
	}
	return []string{sm.Spec.ConfigMapRef.Name}
}

func (r *ServiceManifestReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Engine == nil || r.Syncer == nil {
		return errors.New("ServiceManifestReconciler needs an Engine and a Syncer")
	}
	if err := mgr.GetFieldIndexer().IndexField(context.Background(), &sgv1alpha1.ServiceManifest{}, configMapRefIndex, indexConfigMapRef); err != nil {
		return err
	}

	r.events = make(chan event.GenericEvent, 1024)
	r.Engine.AddListener(r.enqueueTransition)

	return ctrl.NewControllerManagedBy(mgr).
		For(&sgv1alpha1.ServiceManifest{}).
		Watches(&corev1.ConfigMap{}, handler.EnqueueRequestsFromMapFunc(r.manifestsForConfigMap)).
		WatchesRawSource(source.Channel(r.events, &handler.EnqueueRequestForObject{})).
		Complete(r)
}
