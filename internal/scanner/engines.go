package scanner

// Built-in audit engines. Each script runs in the page and returns an array
// of {ruleId, impact, selector, message, helpUrl} objects. Heavyweight
// engines (axe-core and friends) are injected by the orchestration layer via
// RegisterEngine; these cover the checks that need no bundled library.
var builtinEngines = map[string]string{
	"image-alt": `() => {
		const findings = [];
		for (const img of document.querySelectorAll('img')) {
			if (img.hasAttribute('alt')) continue;
			if (img.getAttribute('role') === 'presentation') continue;
			findings.push({
				ruleId: 'image-alt',
				impact: 'critical',
				selector: img.src || img.outerHTML.slice(0, 120),
				message: 'image element has no alt attribute',
				helpUrl: 'https://www.w3.org/WAI/tutorials/images/',
			});
		}
		return findings;
	}`,

	"form-labels": `() => {
		const findings = [];
		const controls = document.querySelectorAll('input:not([type=hidden]):not([type=submit]):not([type=button]), select, textarea');
		for (const el of controls) {
			const labelled = el.labels?.length > 0
				|| el.hasAttribute('aria-label')
				|| el.hasAttribute('aria-labelledby')
				|| el.hasAttribute('title');
			if (labelled) continue;
			findings.push({
				ruleId: 'form-label',
				impact: 'serious',
				selector: el.name || el.id || el.outerHTML.slice(0, 120),
				message: 'form control has no accessible label',
				helpUrl: 'https://www.w3.org/WAI/tutorials/forms/labels/',
			});
		}
		return findings;
	}`,

	"document-structure": `() => {
		const findings = [];
		if (!document.documentElement.hasAttribute('lang')) {
			findings.push({
				ruleId: 'html-lang',
				impact: 'serious',
				selector: 'html',
				message: 'document has no lang attribute',
				helpUrl: 'https://www.w3.org/WAI/WCAG21/Techniques/html/H57',
			});
		}
		if (!document.title || document.title.trim() === '') {
			findings.push({
				ruleId: 'document-title',
				impact: 'serious',
				selector: 'head',
				message: 'document has no title',
				helpUrl: 'https://www.w3.org/WAI/WCAG21/Techniques/html/H25',
			});
		}
		let last = 0;
		for (const h of document.querySelectorAll('h1, h2, h3, h4, h5, h6')) {
			const level = Number(h.tagName[1]);
			if (last > 0 && level > last + 1) {
				findings.push({
					ruleId: 'heading-order',
					impact: 'moderate',
					selector: h.tagName.toLowerCase(),
					message: 'heading level skipped from h' + last + ' to h' + level,
					helpUrl: 'https://www.w3.org/WAI/tutorials/page-structure/headings/',
				});
			}
			last = level;
		}
		return findings;
	}`,

	"link-text": `() => {
		const findings = [];
		const vague = new Set(['click here', 'here', 'more', 'read more', 'link']);
		for (const a of document.querySelectorAll('a[href]')) {
			const text = (a.textContent || '').trim().toLowerCase();
			const labelled = a.hasAttribute('aria-label') || a.hasAttribute('aria-labelledby');
			if (text === '' && !labelled && a.querySelectorAll('img[alt]').length === 0) {
				findings.push({
					ruleId: 'link-name',
					impact: 'serious',
					selector: a.href,
					message: 'link has no discernible text',
					helpUrl: 'https://www.w3.org/WAI/WCAG21/Techniques/general/G91',
				});
			} else if (vague.has(text)) {
				findings.push({
					ruleId: 'link-text-vague',
					impact: 'minor',
					selector: a.href,
					message: 'link text does not describe its target',
					helpUrl: 'https://www.w3.org/WAI/WCAG21/Techniques/general/G91',
				});
			}
		}
		return findings;
	}`,
}
