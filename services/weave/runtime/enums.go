// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import "strings"

// FlowBehavior is the control-flow directive advice leaves on a
// MethodExecutionArgs envelope.
type FlowBehavior int64

const (
	// FlowDefault continues normally after OnEntry and rethrows after OnException.
	FlowDefault FlowBehavior = iota
	FlowContinue
	FlowRethrowException
	FlowReturn
	// FlowRetry re-runs the method body. Only meaningful after OnException.
	FlowRetry
)

func (f FlowBehavior) String() string {
	switch f {
	case FlowDefault:
		return "Default"
	case FlowContinue:
		return "Continue"
	case FlowRethrowException:
		return "RethrowException"
	case FlowReturn:
		return "Return"
	case FlowRetry:
		return "Retry"
	default:
		return "Unknown"
	}
}

// Features is the set of envelope capabilities and advice an aspect uses.
type Features int64

const (
	FeatureOnEntry Features = 1 << iota
	FeatureOnExit
	FeatureOnSuccess
	FeatureOnException
	FeatureOnYield
	FeatureOnResume
	FeatureInstance
	FeatureArguments
	FeatureReturnValue
	FeatureFlowControl
	FeatureYieldValue
	FeatureMemberInfo
	FeatureTag

	FeatureNone Features = 0

	// FeatureAllAdvice covers every boundary advice hook.
	FeatureAllAdvice = FeatureOnEntry | FeatureOnExit | FeatureOnSuccess |
		FeatureOnException | FeatureOnYield | FeatureOnResume

	// FeatureAll is the conservative result used when analysis cannot
	// bound what an advice body touches.
	FeatureAll = FeatureAllAdvice | FeatureInstance | FeatureArguments |
		FeatureReturnValue | FeatureFlowControl | FeatureYieldValue |
		FeatureMemberInfo | FeatureTag
)

var featureNames = []struct {
	f    Features
	name string
}{
	{FeatureOnEntry, "OnEntry"},
	{FeatureOnExit, "OnExit"},
	{FeatureOnSuccess, "OnSuccess"},
	{FeatureOnException, "OnException"},
	{FeatureOnYield, "OnYield"},
	{FeatureOnResume, "OnResume"},
	{FeatureInstance, "Instance"},
	{FeatureArguments, "Arguments"},
	{FeatureReturnValue, "ReturnValue"},
	{FeatureFlowControl, "FlowControl"},
	{FeatureYieldValue, "YieldValue"},
	{FeatureMemberInfo, "MemberInfo"},
	{FeatureTag, "Tag"},
}

// Has reports whether every bit of o is set.
func (f Features) Has(o Features) bool { return f&o == o }

func (f Features) String() string {
	if f == FeatureNone {
		return "None"
	}
	var parts []string
	for _, n := range featureNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// AdviceKind identifies one advice hook.
type AdviceKind int64

const (
	AdviceNone AdviceKind = iota
	AdviceOnEntry
	AdviceOnExit
	AdviceOnSuccess
	AdviceOnException
	AdviceOnYield
	AdviceOnResume
	AdviceFilterException
	AdviceOnInvoke
	AdviceOnGetValue
	AdviceOnSetValue
	AdviceOnAddHandler
	AdviceOnRemoveHandler
	AdviceOnInvokeHandler
)

var adviceNames = [...]string{
	AdviceNone:            "None",
	AdviceOnEntry:         "OnEntry",
	AdviceOnExit:          "OnExit",
	AdviceOnSuccess:       "OnSuccess",
	AdviceOnException:     "OnException",
	AdviceOnYield:         "OnYield",
	AdviceOnResume:        "OnResume",
	AdviceFilterException: "FilterException",
	AdviceOnInvoke:        "OnInvoke",
	AdviceOnGetValue:      "OnGetValue",
	AdviceOnSetValue:      "OnSetValue",
	AdviceOnAddHandler:    "OnAddHandler",
	AdviceOnRemoveHandler: "OnRemoveHandler",
	AdviceOnInvokeHandler: "OnInvokeHandler",
}

func (k AdviceKind) String() string {
	if k >= 0 && int(k) < len(adviceNames) {
		return adviceNames[k]
	}
	return "Unknown"
}

// MethodName is the name of the base-class virtual implementing the advice.
func (k AdviceKind) MethodName() string { return k.String() }

// Feature returns the advice-presence bit, or FeatureNone for advice
// that is not a boundary hook.
func (k AdviceKind) Feature() Features {
	switch k {
	case AdviceOnEntry:
		return FeatureOnEntry
	case AdviceOnExit:
		return FeatureOnExit
	case AdviceOnSuccess:
		return FeatureOnSuccess
	case AdviceOnException:
		return FeatureOnException
	case AdviceOnYield:
		return FeatureOnYield
	case AdviceOnResume:
		return FeatureOnResume
	default:
		return FeatureNone
	}
}

// AdviceKindByName returns the advice kind with the given name.
func AdviceKindByName(name string) AdviceKind {
	for i, n := range adviceNames {
		if n == name && i != 0 {
			return AdviceKind(i)
		}
	}
	return AdviceNone
}

// BoundaryAdvice lists the boundary hooks in declaration order.
var BoundaryAdvice = []AdviceKind{
	AdviceOnEntry, AdviceOnExit, AdviceOnSuccess, AdviceOnException,
	AdviceOnYield, AdviceOnResume, AdviceFilterException,
}
