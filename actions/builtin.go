package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/songzhibin97/bizflow/approval"
	"github.com/songzhibin97/bizflow/erp"
	"github.com/songzhibin97/bizflow/notify"
	"github.com/songzhibin97/bizflow/types"
)

// Built-in action type names.
const (
	TypeUpdateRecord     = "update_record"
	TypeCreateRecord     = "create_record"
	TypeSendNotification = "send_notification"
	TypeRequestApproval  = "request_approval"
	TypeDelay            = "delay"
)

// ApprovalRequestKey is the workflow data key request_approval stores the
// request id under.
const ApprovalRequestKey = "approval_request_id"

// ValueEvaluator computes expression values. rules.ExprEvaluator satisfies it.
type ValueEvaluator interface {
	Eval(expression string, data map[string]interface{}) (interface{}, error)
	Compile(expression string) error
}

// Dependencies are the collaborators used by the built-in actions. A missing
// collaborator makes its actions fail permanently when run.
type Dependencies struct {
	ERP       erp.Client
	Notifier  notify.Service
	Approvals approval.Service
	Evaluator ValueEvaluator
	Clock     func() time.Time
}

// RegisterBuiltins registers every built-in action type.
func RegisterBuiltins(reg *Registry, deps Dependencies) error {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	builtins := map[string]Factory{
		TypeUpdateRecord:     deps.updateRecord,
		TypeCreateRecord:     deps.createRecord,
		TypeSendNotification: deps.sendNotification,
		TypeRequestApproval:  deps.requestApproval,
		TypeDelay:            deps.delay,
	}
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := reg.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

var errMissingDependency = errors.New("dependency not configured")

// recordSpec is the shared configuration of the record actions.
type recordSpec struct {
	entityType  string
	fields      map[string]interface{}
	expressions map[string]string
	resultKey   string
}

func (d Dependencies) parseRecordSpec(config map[string]interface{}) (recordSpec, error) {
	var spec recordSpec
	var err error
	if spec.entityType, err = stringParam(config, "entity_type", ""); err != nil {
		return spec, err
	}
	if spec.resultKey, err = stringParam(config, "result_key", ""); err != nil {
		return spec, err
	}
	if spec.fields, err = mapParam(config, "fields"); err != nil {
		return spec, err
	}
	exprs, err := mapParam(config, "expressions")
	if err != nil {
		return spec, err
	}
	if len(exprs) > 0 {
		if d.Evaluator == nil {
			return spec, fmt.Errorf("%w: expressions need an evaluator", ErrInvalidConfig)
		}
		spec.expressions = make(map[string]string, len(exprs))
		for field, v := range exprs {
			source, ok := v.(string)
			if !ok || source == "" {
				return spec, fmt.Errorf("%w: expression for %s must be a non-empty string", ErrInvalidConfig, field)
			}
			if err := d.Evaluator.Compile(source); err != nil {
				return spec, fmt.Errorf("%w: expression for %s: %v", ErrInvalidConfig, field, err)
			}
			spec.expressions[field] = source
		}
	}
	if len(spec.fields) == 0 && len(spec.expressions) == 0 {
		return spec, fmt.Errorf("%w: fields or expressions are required", ErrInvalidConfig)
	}
	return spec, nil
}

// values computes the record data from literal fields and expressions.
func (d Dependencies) values(spec recordSpec, env Env) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(spec.fields)+len(spec.expressions))
	for k, v := range spec.fields {
		out[k] = resolve(v, env.Data)
	}
	for k, source := range spec.expressions {
		v, err := d.Evaluator.Eval(source, env.Data)
		if err != nil {
			return nil, fmt.Errorf("expression for %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// update_record writes fields to the instance's record, or to record_id of
// entity_type when configured.
func (d Dependencies) updateRecord(config map[string]interface{}) (Action, error) {
	spec, err := d.parseRecordSpec(config)
	if err != nil {
		return nil, err
	}
	recordID, err := stringParam(config, "record_id", "")
	if err != nil {
		return nil, err
	}

	return ActionFunc(func(ctx context.Context, env Env) (Result, error) {
		if d.ERP == nil {
			return Result{}, Permanent(fmt.Errorf("erp client: %w", errMissingDependency))
		}
		entityType := spec.entityType
		if entityType == "" {
			entityType = env.Instance.Entity.Type
		}
		id := env.Instance.Entity.ID
		if recordID != "" {
			id = Interpolate(recordID, env.Data)
		}

		data, err := d.values(spec, env)
		if err != nil {
			return Result{}, err
		}
		written := make(map[string]interface{}, len(data))
		for k, v := range data {
			written[k] = v
		}
		data[erp.IDField] = id

		record, err := d.ERP.UpdateRecord(ctx, entityType, data)
		if errors.Is(err, erp.ErrRecordNotFound) {
			return Result{}, Permanent(err)
		} else if err != nil {
			return Result{}, fmt.Errorf("update %s/%s: %w", entityType, id, err)
		}
		if spec.resultKey != "" {
			written[spec.resultKey] = record
		}
		return Result{
			Success: true,
			Message: fmt.Sprintf("updated %s/%s", entityType, id),
			Data:    written,
		}, nil
	}), nil
}

// create_record creates a record and stores its id under result_key.
func (d Dependencies) createRecord(config map[string]interface{}) (Action, error) {
	spec, err := d.parseRecordSpec(config)
	if err != nil {
		return nil, err
	}
	if spec.entityType == "" {
		return nil, fmt.Errorf("%w: entity_type is required", ErrInvalidConfig)
	}
	if spec.resultKey == "" {
		spec.resultKey = "created_" + spec.entityType + "_id"
	}

	return ActionFunc(func(ctx context.Context, env Env) (Result, error) {
		if d.ERP == nil {
			return Result{}, Permanent(fmt.Errorf("erp client: %w", errMissingDependency))
		}
		data, err := d.values(spec, env)
		if err != nil {
			return Result{}, err
		}
		record, err := d.ERP.CreateRecord(ctx, spec.entityType, data)
		if err != nil {
			return Result{}, fmt.Errorf("create %s: %w", spec.entityType, err)
		}
		id := record[erp.IDField]
		return Result{
			Success: true,
			Message: fmt.Sprintf("created %s/%v", spec.entityType, id),
			Data:    map[string]interface{}{spec.resultKey: id},
		}, nil
	}), nil
}

// send_notification sends a templated message through the notifier.
func (d Dependencies) sendNotification(config map[string]interface{}) (Action, error) {
	channel, err := stringParam(config, "channel", "email")
	if err != nil {
		return nil, err
	}
	subject, err := stringParam(config, "subject", "")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(config, "message", "")
	if err != nil {
		return nil, err
	}
	recipients, err := stringsParam(config, "recipients")
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: recipients are required", ErrInvalidConfig)
	}
	if message == "" && subject == "" {
		return nil, fmt.Errorf("%w: subject or message is required", ErrInvalidConfig)
	}

	return ActionFunc(func(ctx context.Context, env Env) (Result, error) {
		if d.Notifier == nil {
			return Result{}, Permanent(fmt.Errorf("notifier: %w", errMissingDependency))
		}
		to := make([]string, 0, len(recipients))
		for _, r := range recipients {
			if s := Interpolate(r, env.Data); s != "" {
				to = append(to, s)
			}
		}
		n := notify.Notification{
			Channel:    channel,
			Recipients: to,
			Subject:    Interpolate(subject, env.Data),
			Message:    Interpolate(message, env.Data),
			InstanceID: env.Instance.ID,
			Entity:     env.Instance.Entity,
		}
		if err := d.Notifier.Send(ctx, n); err != nil {
			if errors.Is(err, notify.ErrNoRecipients) {
				return Result{}, Permanent(err)
			}
			return Result{}, fmt.Errorf("send %s notification: %w", channel, err)
		}
		return Result{
			Success: true,
			Message: fmt.Sprintf("sent %s notification to %d recipient(s)", channel, len(to)),
		}, nil
	}), nil
}

// request_approval files an approval request and returns without waiting.
func (d Dependencies) requestApproval(config map[string]interface{}) (Action, error) {
	approvers, err := stringsParam(config, "approvers")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(config, "message", "")
	if err != nil {
		return nil, err
	}
	ttl, err := durationParam(config, "expires_in")
	if err != nil {
		return nil, err
	}

	return ActionFunc(func(ctx context.Context, env Env) (Result, error) {
		if d.Approvals == nil {
			return Result{}, Permanent(fmt.Errorf("approval service: %w", errMissingDependency))
		}
		if open, ok := d.openRequest(ctx, env); ok {
			return Result{
				Success: true,
				Pending: true,
				Message: "approval already requested",
				Data:    map[string]interface{}{ApprovalRequestKey: open.ID},
			}, nil
		}
		roles := approvers
		if len(roles) == 0 {
			roles = env.Definition.ApprovalRoles
		}
		req := &approval.Request{
			InstanceID: env.Instance.ID,
			Entity:     env.Instance.Entity,
			Step:       env.Step,
			Approvers:  roles,
			Message:    Interpolate(message, env.Data),
			CreatedAt:  d.Clock(),
		}
		if ttl > 0 {
			expires := req.CreatedAt.Add(ttl)
			req.ExpiresAt = &expires
		}
		created, err := d.Approvals.Request(ctx, req)
		if err != nil {
			return Result{}, fmt.Errorf("request approval: %w", err)
		}
		return Result{
			Success: true,
			Pending: true,
			Message: "approval requested",
			Data:    map[string]interface{}{ApprovalRequestKey: created.ID},
		}, nil
	}), nil
}

// openRequest returns the instance's earlier request for the same step while
// it is still undecided and unexpired.
func (d Dependencies) openRequest(ctx context.Context, env Env) (*approval.Request, bool) {
	id, _ := env.Instance.WorkflowData[ApprovalRequestKey].(string)
	if id == "" {
		return nil, false
	}
	req, err := d.Approvals.Get(ctx, id)
	if err != nil || req.InstanceID != env.Instance.ID || req.Step != env.Step {
		return nil, false
	}
	if req.Status != types.ApprovalPending || req.Expired(d.Clock()) {
		return nil, false
	}
	return req, true
}

// delay records when the instance may resume; it never blocks.
func (d Dependencies) delay(config map[string]interface{}) (Action, error) {
	wait, err := durationParam(config, "duration")
	if err != nil {
		return nil, err
	}
	if wait <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	}

	return ActionFunc(func(ctx context.Context, env Env) (Result, error) {
		resumeAt := d.Clock().Add(wait).UnixMilli()
		return Result{
			Success:  true,
			Message:  fmt.Sprintf("resume after %s", wait),
			Data:     map[string]interface{}{"resume_at": resumeAt},
			ResumeAt: resumeAt,
		}, nil
	}), nil
}
