package extractor

import "fmt"

// BuildPrompt asks for the nested {summary, insights} shape.
func BuildPrompt(transcript string) string {
	prompt := `你是一位资深的银行营销专家和培训师，请对以下银行客户经理的营销案例录音转录文本进行专业分析和提炼。

**转录文本：**
%s

**分析要求：**
请严格按照以下JSON格式返回分析结果，不要添加任何其他文字说明：

{
  "summary": {
    "businessType": "业务类别（从以下选择：盘户计划、面访跟踪、优秀经验、失败复盘、其他）",
    "customerInfo": "客户姓名或称呼（如张总、李女士等，若未提及则填写'未提及'）",
    "followUpPlan": "待跟进计划（根据语音内容提炼具体的跟进行动，若没有提及则填写'未提及'）"
  },
  "insights": {
    "customerProfile": ["客户画像标签数组，如：中年、已婚、企业主、孩子小学等"],
    "demandStimulation": "需求激发亮点（分析客户需求激发过程中的成功做法和技巧）",
    "objectionHandling": "异议处理亮点（分析异议处理过程中的成功做法和技巧）",
    "customerTouchPoint": "打动客户的点（分析促使客户态度转变的关键节点和原因）",
    "failureReview": "失败复盘（若是失败案例，分析主要失败原因；若非失败案例则填写'未提及'）",
    "extendedThinking": "延伸思考（基于本案例提出深度洞察、可推广的方法论、营销技巧建议或行动提示。适当结合社会心理学和市场营销学理论，提供专业建议）"
  }
}

**注意事项：**
1. 严格按照JSON格式返回，确保格式正确
2. 如果某个字段在转录文本中没有相关信息，请填写"未提及"
3. 客户画像标签要简洁明了，每个标签2-4个字
4. 延伸思考要有深度，结合专业理论提供实用建议
5. 保持客观专业的分析态度`

	return fmt.Sprintf(prompt, transcript)
}
