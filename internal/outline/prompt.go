package outline

import (
	"fmt"
	"strings"
)

// promptTemplate asks the model for a multi-page post outline. The <page>
// separator and the bracketed type tags are what Parse understands, so the
// template and the parser have to stay in sync.
const promptTemplate = `你是一位小红书爆款图文内容策划专家。请围绕主题「%s」创作一篇多页图文大纲。

要求：
1. 第一页是封面页，以 [封面] 开头，包含吸引眼球的标题和副标题
2. 中间是 2 到 6 页内容页，每页以 [内容] 开头，每页聚焦一个要点，文字精炼适合配图
3. 最后一页是总结页，以 [总结] 开头，总结全文并给出行动建议
4. 每一页之间用单独一行的 <page> 分隔
5. 除大纲正文外不要输出任何解释性文字

输出格式示例：
[封面]
标题：……
副标题：……
<page>
[内容]
要点一：……
<page>
[总结]
总结：……`

// BuildPrompt renders the outline prompt for a topic. When the user attached
// reference images an extra note tells the model to weave them into the
// outline.
func BuildPrompt(topic string, imageCount int) string {
	prompt := fmt.Sprintf(promptTemplate, strings.TrimSpace(topic))
	if imageCount > 0 {
		prompt += fmt.Sprintf("\n\n注意：用户提供了 %d 张参考图片，请在生成大纲时考虑这些图片的内容和风格。这些图片可能是产品图、个人照片或场景图，请根据图片内容来优化大纲，使生成的内容与图片相关联。", imageCount)
	}
	return prompt
}
