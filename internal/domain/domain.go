// Package domain re-exports the persisted row types under one import path so the data layer
// and behavior packages share a single `types` alias.
package domain

import (
	"github.com/yungbote/docforge-backend/internal/domain/docpipeline"
)

type Document = docpipeline.Document
type CompletionMarker = docpipeline.CompletionMarker
type PipelineError = docpipeline.PipelineError
type AlertQueueItem = docpipeline.AlertQueueItem
type AlertConfiguration = docpipeline.AlertConfiguration
type RetryPolicyRow = docpipeline.RetryPolicyRow
type PerformanceBaseline = docpipeline.PerformanceBaseline
