package config

// DefaultPrompts returns the built-in templates for the categorize, extract
// and deidentify stages. Document text is substituted for the single %s verb.
func DefaultPrompts() Prompts {
	return Prompts{
		Categorize: categorizePrompt,
		Extract:    extractPrompt,
		Deidentify: deidentifyPrompt,
	}
}

const categorizePrompt = `Analyze the following financial document and categorize it according to the taxonomy below.
Provide a primary classification with confidence score and justification, and a secondary classification.

Document Content:
%s

Taxonomy Categories:
- Loan Application: Personal loans, mortgages, business loans, credit applications
- Financial Statement: Balance sheets, income statements, cash flow statements, profit & loss
- Investment Document: Portfolio statements, prospectuses, fund reports, investment agreements
- Credit Report: Credit scores, payment history, credit inquiries, debt summaries
- Banking Statement: Account statements, transaction records, deposit confirmations
- Tax Document: Tax returns, W-2s, 1099s, tax assessments, IRS correspondence
- Insurance Policy: Life insurance, property insurance, liability policies, claims documents
- Compliance Document: Regulatory filings, audit reports, KYC documents, risk assessments
- Contract Agreement: Service agreements, purchase agreements, terms and conditions

Respond in JSON format with:
{
  "primary_category": "category name",
  "primary_confidence": 0.XX,
  "primary_justification": "brief explanation",
  "secondary_category": "category name",
  "secondary_confidence": 0.XX,
  "secondary_justification": "brief explanation"
}`

const extractPrompt = `Extract structured entities from the following financial document.
Identify and extract the following entity types with confidence scores:

Document Content:
%s

Entity Types to Extract:
- person: Individual names (borrowers, account holders, beneficiaries)
- organization: Financial institutions, companies, employers
- account_number: Bank account numbers, loan account numbers, policy numbers
- ssn_tax_id: Social Security Numbers, Tax ID numbers, EIN
- amount: Monetary amounts, loan amounts, account balances, interest rates
- date: Transaction dates, due dates, maturity dates, birth dates
- address: Physical addresses, mailing addresses, property addresses
- email: Email addresses
- phone: Phone numbers, fax numbers
- credit_score: Credit scores, credit ratings
- property: Property descriptions, real estate addresses

Respond in JSON format with:
{
  "entities": [
    {
      "type": "entity_type",
      "value": "extracted value",
      "confidence": 0.XX
    }
  ]
}`

const deidentifyPrompt = `Identify personally identifiable information (PII) and sensitive financial data in the following document that should be redacted or masked for compliance with privacy regulations (GLBA, CCPA, etc.).

Document Content:
%s

PII and Sensitive Data Categories to Identify:
- person: Individual names (full names, first/last names)
- ssn: Social Security Numbers (XXX-XX-XXXX format)
- tax_id: Tax ID numbers, EIN numbers
- account_number: Bank account numbers, credit card numbers, loan account numbers
- routing_number: Bank routing numbers, ABA numbers
- drivers_license: Driver's license numbers
- email: Email addresses
- phone: Phone numbers, fax numbers
- address: Physical addresses, mailing addresses, property addresses
- date_of_birth: Dates of birth
- salary_income: Salary information, annual income, compensation details
- credit_score: Credit scores, credit ratings
- financial_account_details: Account balances, transaction details

For each PII item found, provide:
1. The type of PII
2. The value to be masked
3. The replacement strategy (REDACT, MASK, GENERALIZE)

Respond in JSON format with:
{
  "pii_items": [
    {
      "type": "pii_type",
      "value": "original value",
      "strategy": "REDACT|MASK|GENERALIZE",
      "replacement": "replacement value or pattern"
    }
  ]
}`
