// Package schema maps raw row labels onto the canonical line-item
// taxonomy and validates records before persistence. Matching is a
// pure function over an immutable synonym table so it can be tested
// without any extraction context.
package schema

// LineItem is one canonical financial statement concept and the
// report labels that resolve to it.
type LineItem struct {
	Code     string   `yaml:"code"`
	Synonyms []string `yaml:"synonyms"`
}

// DefaultTaxonomy covers the income statement, balance sheet, and
// cash-flow rows that recur across filings, with English and Chinese
// labels. A synonyms file extends it per deployment; it never needs
// recompiling to add a label.
func DefaultTaxonomy() []LineItem {
	return []LineItem{
		{Code: "operating_revenue", Synonyms: []string{
			"营业收入", "营业总收入", "Operating revenue", "Total revenue", "Revenue", "Net sales", "Revenues",
		}},
		{Code: "operating_income", Synonyms: []string{
			"营业利润", "Operating income", "Income from operations", "Operating profit",
		}},
		{Code: "net_profit", Synonyms: []string{
			"净利润", "归属于上市公司股东的净利润", "归属于母公司股东的净利润",
			"Net profit", "Net income", "Profit for the year", "Net income attributable to shareholders",
		}},
		{Code: "gross_margin", Synonyms: []string{
			"毛利率", "销售毛利率", "Gross margin", "Gross profit margin",
		}},
		{Code: "profit_margin", Synonyms: []string{
			"净利润率", "净利率", "销售净利率", "Net profit margin", "Net margin", "Profit margin",
		}},
		{Code: "roe", Synonyms: []string{
			"净资产收益率", "加权平均净资产收益率", "Return on equity", "ROE",
		}},
		{Code: "eps_basic", Synonyms: []string{
			"基本每股收益", "每股收益", "Basic earnings per share", "Basic EPS", "Earnings per share",
		}},
		{Code: "total_assets", Synonyms: []string{
			"总资产", "资产总计", "资产总额", "Total assets",
		}},
		{Code: "total_liabilities", Synonyms: []string{
			"总负债", "负债总计", "负债总额", "Total liabilities",
		}},
		{Code: "stockholders_equity", Synonyms: []string{
			"股东权益", "所有者权益", "归属于上市公司股东的净资产",
			"Total stockholders' equity", "Total shareholders' equity", "Total equity",
		}},
		{Code: "cash_and_equivalents", Synonyms: []string{
			"货币资金", "现金及现金等价物", "Cash and cash equivalents", "Cash and equivalents",
		}},
		{Code: "long_term_debt", Synonyms: []string{
			"长期借款", "长期负债", "Long-term debt", "Long-term borrowings",
		}},
		{Code: "interest_expense", Synonyms: []string{
			"利息费用", "利息支出", "Interest expense",
		}},
		{Code: "operating_cash_flow", Synonyms: []string{
			"经营活动产生的现金流量净额", "经营活动现金流量净额",
			"Net cash provided by operating activities", "Operating cash flow", "Cash flow from operations",
		}},
	}
}
