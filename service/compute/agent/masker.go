/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package agent

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	maskReplacement = "*****"
	maskerCacheSize = 1024
)

// SecretSource resolves the secret values of a task. The concrete resolver
// lives behind the credential boundary; the masker only needs the strings to
// scrub.
type SecretSource func(ctx context.Context, taskUUID string) ([]string, error)

// Masker scrubs task secrets out of streamed log text. Secrets are fetched
// lazily per task uuid and cached; a task's secret set is immutable for the
// lifetime of its retry row, so the cache never needs invalidation.
type Masker struct {
	source SecretSource
	cache  *lru.Cache[string, []string]
}

// NewMasker builds a masker over a secret source.
func NewMasker(source SecretSource) (*Masker, error) {
	cache, err := lru.New[string, []string](maskerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret cache: %w", err)
	}
	return &Masker{source: source, cache: cache}, nil
}

// Mask replaces every occurrence of the task's secrets in the lines. A
// resolver failure returns the error rather than leaking unmasked text.
func (m *Masker) Mask(ctx context.Context, taskUUID string, lines []string) ([]string, error) {
	secrets, ok := m.cache.Get(taskUUID)
	if !ok {
		fetched, err := m.source(ctx, taskUUID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch secrets for task %s: %w", taskUUID, err)
		}
		m.cache.Add(taskUUID, fetched)
		secrets = fetched
	}
	if len(secrets) == 0 {
		return lines, nil
	}

	masked := make([]string, len(lines))
	for i, line := range lines {
		for _, secret := range secrets {
			if secret == "" {
				continue
			}
			line = strings.ReplaceAll(line, secret, maskReplacement)
		}
		masked[i] = line
	}
	return masked, nil
}
