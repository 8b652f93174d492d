package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedtypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/rs/zerolog"
)

// EC2API is the subset of the EC2 client used by AWS.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, in *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	DescribeNetworkAcls(ctx context.Context, in *ec2.DescribeNetworkAclsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error)
	CreateNetworkAclEntry(ctx context.Context, in *ec2.CreateNetworkAclEntryInput, optFns ...func(*ec2.Options)) (*ec2.CreateNetworkAclEntryOutput, error)
	DeleteNetworkAclEntry(ctx context.Context, in *ec2.DeleteNetworkAclEntryInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkAclEntryOutput, error)
	DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// SSMAPI is the subset of the SSM client used by AWS.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	DescribeInstanceInformation(ctx context.Context, in *ssm.DescribeInstanceInformationInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
}

// SchedulerAPI is the subset of the EventBridge Scheduler client used by AWS.
type SchedulerAPI interface {
	CreateSchedule(ctx context.Context, in *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
	UpdateSchedule(ctx context.Context, in *scheduler.UpdateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.UpdateScheduleOutput, error)
}

// scheduleTimeLayout is the layout EventBridge Scheduler expects inside at().
const scheduleTimeLayout = "2006-01-02T15:04:05"

// AWS implements Provider on top of the AWS SDK v2 clients.
type AWS struct {
	ec2   EC2API
	ssm   SSMAPI
	sched SchedulerAPI
	log   zerolog.Logger
}

var _ Provider = (*AWS)(nil)

// NewAWS constructs a Provider from SDK clients.
func NewAWS(cfg aws.Config, log zerolog.Logger) *AWS {
	return NewAWSFromClients(ec2.NewFromConfig(cfg), ssm.NewFromConfig(cfg), scheduler.NewFromConfig(cfg), log)
}

// NewAWSFromClients constructs a Provider from pre-built (or fake) clients.
func NewAWSFromClients(e EC2API, s SSMAPI, sc SchedulerAPI, log zerolog.Logger) *AWS {
	return &AWS{ec2: e, ssm: s, sched: sc, log: log}
}

// observe records call metrics and translates provider error codes.
func (a *AWS) observe(endpoint string, start time.Time, resource, id string, err error) error {
	metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.APICalls.WithLabelValues(endpoint, "ok").Inc()
		return nil
	}
	metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
	translated := translate(resource, id, err)
	a.log.Debug().Str("endpoint", endpoint).Str("resource", resource).Str("id", id).
		Err(err).Msg("aws api call failed")
	return translated
}

// translate maps provider error codes onto the typed errors of this package.
func translate(resource, id string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "InvalidPermission.NotFound", "InvalidNetworkAclEntry.NotFound", "ParameterNotFound",
		"InvalidInstanceID.NotFound", "InvalidGroup.NotFound", "InvalidNetworkAclID.NotFound",
		"ResourceNotFoundException":
		return &ErrNotFound{Resource: resource, ID: id}
	case "InvalidPermission.Duplicate", "NetworkAclEntryAlreadyExists", "ConflictException":
		return &ErrConflict{Resource: resource, Msg: apiErr.ErrorMessage()}
	}
	return fmt.Errorf("%s %s: %w", resource, id, err)
}

// --- Security groups --------------------------------------------------------

// ListIngress returns the ingress permissions of a security group.
func (a *AWS) ListIngress(ctx context.Context, groupID string) ([]Permission, error) {
	start := time.Now()
	out, err := a.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err := a.observe("DescribeSecurityGroups", start, "security group", groupID, err); err != nil {
		return nil, err
	}
	if len(out.SecurityGroups) == 0 {
		return nil, &ErrNotFound{Resource: "security group", ID: groupID}
	}
	var perms []Permission
	for _, p := range out.SecurityGroups[0].IpPermissions {
		perm := Permission{
			Protocol: aws.ToString(p.IpProtocol),
			FromPort: aws.ToInt32(p.FromPort),
			ToPort:   aws.ToInt32(p.ToPort),
		}
		for _, r := range p.IpRanges {
			perm.CIDRs = append(perm.CIDRs, aws.ToString(r.CidrIp))
		}
		perms = append(perms, perm)
	}
	return perms, nil
}

func toIPPermission(p Permission) ec2types.IpPermission {
	perm := ec2types.IpPermission{
		IpProtocol: aws.String(p.Protocol),
		FromPort:   aws.Int32(p.FromPort),
		ToPort:     aws.Int32(p.ToPort),
	}
	for _, c := range p.CIDRs {
		perm.IpRanges = append(perm.IpRanges, ec2types.IpRange{CidrIp: aws.String(c)})
	}
	return perm
}

// AuthorizeIngress adds one ingress permission to a security group.
func (a *AWS) AuthorizeIngress(ctx context.Context, groupID string, p Permission) error {
	start := time.Now()
	_, err := a.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{toIPPermission(p)},
	})
	return a.observe("AuthorizeSecurityGroupIngress", start, "security group rule", groupID, err)
}

// RevokeIngress removes one ingress permission from a security group.
func (a *AWS) RevokeIngress(ctx context.Context, groupID string, p Permission) error {
	start := time.Now()
	out, err := a.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{toIPPermission(p)},
	})
	if err := a.observe("RevokeSecurityGroupIngress", start, "security group rule", groupID, err); err != nil {
		return err
	}
	// Revoking a rule that does not exist succeeds with the rule echoed back.
	if len(out.UnknownIpPermissions) > 0 {
		return &ErrNotFound{Resource: "security group rule", ID: groupID}
	}
	return nil
}

// --- Network ACLs -----------------------------------------------------------

// ListEntries returns every entry of a network ACL, both directions.
func (a *AWS) ListEntries(ctx context.Context, aclID string) ([]ACLEntry, error) {
	start := time.Now()
	out, err := a.ec2.DescribeNetworkAcls(ctx, &ec2.DescribeNetworkAclsInput{
		NetworkAclIds: []string{aclID},
	})
	if err := a.observe("DescribeNetworkAcls", start, "network acl", aclID, err); err != nil {
		return nil, err
	}
	if len(out.NetworkAcls) == 0 {
		return nil, &ErrNotFound{Resource: "network acl", ID: aclID}
	}
	entries := make([]ACLEntry, 0, len(out.NetworkAcls[0].Entries))
	for _, e := range out.NetworkAcls[0].Entries {
		entry := ACLEntry{
			RuleNumber: aws.ToInt32(e.RuleNumber),
			Protocol:   aws.ToString(e.Protocol),
			Action:     string(e.RuleAction),
			Egress:     aws.ToBool(e.Egress),
			CIDR:       aws.ToString(e.CidrBlock),
		}
		if e.PortRange != nil {
			entry.FromPort = aws.ToInt32(e.PortRange.From)
			entry.ToPort = aws.ToInt32(e.PortRange.To)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CreateEntry adds a numbered entry to a network ACL.
func (a *AWS) CreateEntry(ctx context.Context, aclID string, e ACLEntry) error {
	start := time.Now()
	_, err := a.ec2.CreateNetworkAclEntry(ctx, &ec2.CreateNetworkAclEntryInput{
		NetworkAclId: aws.String(aclID),
		RuleNumber:   aws.Int32(e.RuleNumber),
		Protocol:     aws.String(e.Protocol),
		RuleAction:   ec2types.RuleAction(e.Action),
		Egress:       aws.Bool(e.Egress),
		CidrBlock:    aws.String(e.CIDR),
		PortRange: &ec2types.PortRange{
			From: aws.Int32(e.FromPort),
			To:   aws.Int32(e.ToPort),
		},
	})
	return a.observe("CreateNetworkAclEntry", start, "network acl entry", fmt.Sprintf("%s/%d", aclID, e.RuleNumber), err)
}

// DeleteIngressEntry removes the inbound entry with ruleNumber.
func (a *AWS) DeleteIngressEntry(ctx context.Context, aclID string, ruleNumber int32) error {
	start := time.Now()
	_, err := a.ec2.DeleteNetworkAclEntry(ctx, &ec2.DeleteNetworkAclEntryInput{
		NetworkAclId: aws.String(aclID),
		RuleNumber:   aws.Int32(ruleNumber),
		Egress:       aws.Bool(false),
	})
	return a.observe("DeleteNetworkAclEntry", start, "network acl entry", fmt.Sprintf("%s/%d", aclID, ruleNumber), err)
}

// --- Instances --------------------------------------------------------------

// InstanceState reports the instance power state. An empty status list is
// reported as stopped.
func (a *AWS) InstanceState(ctx context.Context, instanceID string) (InstanceState, error) {
	start := time.Now()
	out, err := a.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err := a.observe("DescribeInstanceStatus", start, "instance", instanceID, err); err != nil {
		return "", err
	}
	if len(out.InstanceStatuses) == 0 || out.InstanceStatuses[0].InstanceState == nil {
		return StateStopped, nil
	}
	return InstanceState(out.InstanceStatuses[0].InstanceState.Name), nil
}

// StartInstance requests a start and returns without waiting.
func (a *AWS) StartInstance(ctx context.Context, instanceID string) error {
	start := time.Now()
	_, err := a.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	return a.observe("StartInstances", start, "instance", instanceID, err)
}

// StopInstance requests a stop and returns without waiting.
func (a *AWS) StopInstance(ctx context.Context, instanceID string) error {
	start := time.Now()
	_, err := a.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	return a.observe("StopInstances", start, "instance", instanceID, err)
}

// --- SSM --------------------------------------------------------------------

// AgentOnline reports whether SSM lists the instance with ping status Online.
func (a *AWS) AgentOnline(ctx context.Context, instanceID string) (bool, error) {
	start := time.Now()
	out, err := a.ssm.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
		Filters: []ssmtypes.InstanceInformationStringFilter{{
			Key:    aws.String("InstanceIds"),
			Values: []string{instanceID},
		}},
	})
	if err := a.observe("DescribeInstanceInformation", start, "instance information", instanceID, err); err != nil {
		return false, err
	}
	if len(out.InstanceInformationList) == 0 {
		return false, nil
	}
	info := out.InstanceInformationList[0]
	return info.PingStatus == ssmtypes.PingStatusOnline && aws.ToString(info.InstanceId) == instanceID, nil
}

// Parameter returns the value of an SSM parameter.
func (a *AWS) Parameter(ctx context.Context, name string) (string, error) {
	start := time.Now()
	out, err := a.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err := a.observe("GetParameter", start, "parameter", name, err); err != nil {
		return "", err
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", &ErrNotFound{Resource: "parameter", ID: name}
	}
	return aws.ToString(out.Parameter.Value), nil
}

// --- Scheduler --------------------------------------------------------------

// UpsertSchedule creates the schedule, replacing an existing one with the
// same name so a redelivered grant moves the expiry instead of duplicating it.
func (a *AWS) UpsertSchedule(ctx context.Context, s Schedule) error {
	expr := fmt.Sprintf("at(%s)", s.FireAt.UTC().Format(scheduleTimeLayout))
	window := &schedtypes.FlexibleTimeWindow{Mode: schedtypes.FlexibleTimeWindowModeOff}
	target := &schedtypes.Target{
		Arn:     aws.String(s.TargetARN),
		RoleArn: aws.String(s.RoleARN),
		Input:   aws.String(string(s.Input)),
	}
	var group *string
	if s.Group != "" {
		group = aws.String(s.Group)
	}

	start := time.Now()
	_, err := a.sched.CreateSchedule(ctx, &scheduler.CreateScheduleInput{
		Name:                       aws.String(s.Name),
		GroupName:                  group,
		ScheduleExpression:         aws.String(expr),
		ScheduleExpressionTimezone: aws.String("UTC"),
		State:                      schedtypes.ScheduleStateEnabled,
		FlexibleTimeWindow:         window,
		Target:                     target,
		Description:                aws.String(s.Description),
		ActionAfterCompletion:      schedtypes.ActionAfterCompletionDelete,
	})
	err = a.observe("CreateSchedule", start, "schedule", s.Name, err)
	if err == nil || !IsConflict(err) {
		return err
	}

	a.log.Info().Str("schedule", s.Name).Msg("schedule exists, replacing")
	start = time.Now()
	_, err = a.sched.UpdateSchedule(ctx, &scheduler.UpdateScheduleInput{
		Name:                       aws.String(s.Name),
		GroupName:                  group,
		ScheduleExpression:         aws.String(expr),
		ScheduleExpressionTimezone: aws.String("UTC"),
		State:                      schedtypes.ScheduleStateEnabled,
		FlexibleTimeWindow:         window,
		Target:                     target,
		Description:                aws.String(s.Description),
		ActionAfterCompletion:      schedtypes.ActionAfterCompletionDelete,
	})
	return a.observe("UpdateSchedule", start, "schedule", s.Name, err)
}
