// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package features

import (
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// envelopeTypes are the advice envelope types whose members the analyzer
// maps to features.
var envelopeTypes = map[string]bool{
	runtime.MethodExecutionArgsType:      true,
	runtime.MethodInterceptionArgsType:   true,
	runtime.LocationInterceptionArgsType: true,
	runtime.EventInterceptionArgsType:    true,
}

// IsEnvelope reports whether sig names an advice envelope type.
func IsEnvelope(sig il.TypeSig) bool { return envelopeTypes[string(sig)] }

// envelopeMembers maps an envelope member to the features woven code must
// supply for it to observe real values. Members absent from the table are
// unknown and analyzed conservatively.
var envelopeMembers = map[string]runtime.Features{
	"get_Instance":     runtime.FeatureInstance,
	"set_Instance":     runtime.FeatureInstance,
	"get_Arguments":    runtime.FeatureArguments,
	"set_Arguments":    runtime.FeatureArguments,
	"get_Index":        runtime.FeatureArguments,
	"get_ReturnValue":  runtime.FeatureReturnValue,
	"set_ReturnValue":  runtime.FeatureReturnValue,
	"get_FlowBehavior": runtime.FeatureFlowControl,
	"set_FlowBehavior": runtime.FeatureFlowControl,
	"get_YieldValue":   runtime.FeatureYieldValue,
	"set_YieldValue":   runtime.FeatureYieldValue,
	"get_Method":       runtime.FeatureMemberInfo,
	"set_Method":       runtime.FeatureMemberInfo,
	"get_Location":     runtime.FeatureMemberInfo,
	"set_Location":     runtime.FeatureMemberInfo,
	"get_Event":        runtime.FeatureMemberInfo,
	"set_Event":        runtime.FeatureMemberInfo,
	"get_Tag":          runtime.FeatureTag,
	"set_Tag":          runtime.FeatureTag,

	// Always populated by woven code.
	"get_Exception":        runtime.FeatureNone,
	"set_Exception":        runtime.FeatureNone,
	"get_Value":            runtime.FeatureNone,
	"set_Value":            runtime.FeatureNone,
	"get_Handler":          runtime.FeatureNone,
	"set_Handler":          runtime.FeatureNone,
	"get_Binding":          runtime.FeatureNone,
	"Proceed":              runtime.FeatureNone,
	"Invoke":               runtime.FeatureNone,
	"ProceedGetValue":      runtime.FeatureNone,
	"ProceedSetValue":      runtime.FeatureNone,
	"GetCurrentValue":      runtime.FeatureNone,
	"SetNewValue":          runtime.FeatureNone,
	"ProceedAddHandler":    runtime.FeatureNone,
	"ProceedRemoveHandler": runtime.FeatureNone,
	"ProceedInvokeHandler": runtime.FeatureNone,
	"AddHandler":           runtime.FeatureNone,
	"RemoveHandler":        runtime.FeatureNone,
	"InvokeHandler":        runtime.FeatureNone,
}

// MemberFeatures returns the features an envelope member requires. The
// second result is false for members the table does not know.
func MemberFeatures(member string) (runtime.Features, bool) {
	f, ok := envelopeMembers[member]
	return f, ok
}

// baseAdvice describes the support library's own advice implementations.
// Boundary hooks are empty, so a type that does not override one never
// needs it called. Interception hooks proceed into the binding and must
// always run.
type baseEntry struct {
	features runtime.Features
	noop     bool
}

var baseAdvice = map[runtime.AdviceKind]baseEntry{
	runtime.AdviceOnEntry:         {noop: true},
	runtime.AdviceOnExit:          {noop: true},
	runtime.AdviceOnSuccess:       {noop: true},
	runtime.AdviceOnException:     {noop: true},
	runtime.AdviceOnYield:         {noop: true},
	runtime.AdviceOnResume:        {noop: true},
	runtime.AdviceFilterException: {noop: true},
	runtime.AdviceOnInvoke:        {},
	runtime.AdviceOnGetValue:      {},
	runtime.AdviceOnSetValue:      {},
	runtime.AdviceOnAddHandler:    {},
	runtime.AdviceOnRemoveHandler: {},
	runtime.AdviceOnInvokeHandler: {},
}
