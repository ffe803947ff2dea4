// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"llmrelay/platform/llm"
)

// DetectQueryType classifies a chat request for credit accounting.
//
// Priority order: any image (attached file or inline image_url content
// part) wins, then any pdf attachment, then the text length of the last
// user message (under 50 chars is basic, over 200 is complex).
func DetectQueryType(messages []llm.Message, files []llm.File) QueryType {
	if hasImage(messages, files) {
		return QueryTypeImage
	}

	for _, f := range files {
		if f.Type == llm.FileTypePDF {
			return QueryTypeDocument
		}
	}

	text := lastUserText(messages)
	switch {
	case len(text) < 50:
		return QueryTypeBasic
	case len(text) > 200:
		return QueryTypeComplex
	default:
		return QueryTypeBasic
	}
}

func hasImage(messages []llm.Message, files []llm.File) bool {
	for _, f := range files {
		if f.Type == llm.FileTypeImage {
			return true
		}
	}
	for _, m := range messages {
		parts, ok := m.Parts()
		if !ok {
			continue
		}
		for _, p := range parts {
			if p.Type == llm.PartTypeImageURL {
				return true
			}
		}
	}
	return false
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llm.RoleUser {
			continue
		}
		return messages[i].Text()
	}
	return ""
}
